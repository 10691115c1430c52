package reports

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

const excelContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func ExtractionReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := BuildExtractionReport(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// ExportExtractionExcelHandler streams the coverage report as an xlsx
// workbook. With ?archive=true a copy is also stored in the GCS bucket.
func ExportExtractionExcelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := BuildExtractionReport(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		f, err := buildExtractionWorkbook(report)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if strings.EqualFold(strings.TrimSpace(c.Query("archive")), "true") {
			var buf bytes.Buffer
			if err := f.Write(&buf); err == nil {
				objectName := fmt.Sprintf("reports/extraction-%s.xlsx", report.GeneratedAt.Format("20060102-150405"))
				if err := utils.UploadObjectToGCS(c.Request.Context(), objectName, excelContentType, buf.Bytes()); err != nil {
					config.LogError(config.GetLogger(), "reports", "ExportExtractionExcelHandler", objectName, nil, err)
				}
			}
		}

		filename := "extraction-report-" + report.GeneratedAt.Format("20060102") + ".xlsx"
		c.Header("Content-Type", excelContentType)
		c.Header("Content-Disposition", "attachment; filename="+filename)
		if err := f.Write(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
		}
	}
}

func buildExtractionWorkbook(report *ExtractionReport) (*excelize.File, error) {
	f := excelize.NewFile()
	sheetName := "Coverage"
	f.SetSheetName("Sheet1", sheetName)

	f.SetCellValue(sheetName, "A1", "Kind")
	f.SetCellValue(sheetName, "B1", "Total")
	f.SetCellValue(sheetName, "C1", "Active")
	f.SetCellValue(sheetName, "D1", "Stale")
	for i, kind := range report.Kinds {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, kind.Kind)
		f.SetCellValue(sheetName, "B"+row, kind.Total)
		f.SetCellValue(sheetName, "C"+row, kind.Active)
		f.SetCellValue(sheetName, "D"+row, kind.Stale)
	}

	summaryRow := len(report.Kinds) + 3
	f.SetCellValue(sheetName, "A"+fmt.Sprint(summaryRow), "Accreditations")
	f.SetCellValue(sheetName, "B"+fmt.Sprint(summaryRow), report.Accreditations)
	f.SetCellValue(sheetName, "A"+fmt.Sprint(summaryRow+1), "CenterOfferings")
	f.SetCellValue(sheetName, "B"+fmt.Sprint(summaryRow+1), report.CenterOfferings)
	f.SetCellValue(sheetName, "A"+fmt.Sprint(summaryRow+2), "GeocodedCenters")
	f.SetCellValue(sheetName, "B"+fmt.Sprint(summaryRow+2), report.GeocodedCenters)
	f.SetCellValue(sheetName, "A"+fmt.Sprint(summaryRow+3), "PendingGeocode")
	f.SetCellValue(sheetName, "B"+fmt.Sprint(summaryRow+3), report.PendingGeocode)

	jobsSheet := "RecentJobs"
	if _, err := f.NewSheet(jobsSheet); err != nil {
		return nil, err
	}
	f.SetCellValue(jobsSheet, "A1", "Id")
	f.SetCellValue(jobsSheet, "B1", "JobType")
	f.SetCellValue(jobsSheet, "C1", "Status")
	f.SetCellValue(jobsSheet, "D1", "Processed")
	f.SetCellValue(jobsSheet, "E1", "Created")
	f.SetCellValue(jobsSheet, "F1", "Updated")
	f.SetCellValue(jobsSheet, "G1", "Skipped")
	f.SetCellValue(jobsSheet, "H1", "Errors")
	f.SetCellValue(jobsSheet, "I1", "StartedAt")
	for i, job := range report.RecentJobs {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(jobsSheet, "A"+row, job.ID)
		f.SetCellValue(jobsSheet, "B"+row, job.JobType)
		f.SetCellValue(jobsSheet, "C"+row, job.Status)
		f.SetCellValue(jobsSheet, "D"+row, job.Processed)
		f.SetCellValue(jobsSheet, "E"+row, job.Created)
		f.SetCellValue(jobsSheet, "F"+row, job.Updated)
		f.SetCellValue(jobsSheet, "G"+row, job.Skipped)
		f.SetCellValue(jobsSheet, "H"+row, job.ErrorCount)
		if job.StartedAt != nil {
			f.SetCellValue(jobsSheet, "I"+row, job.StartedAt.Format(time.RFC3339))
		}
	}

	return f, nil
}
