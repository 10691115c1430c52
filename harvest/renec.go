package harvest

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
)

const defaultPageSize = 100

// renecStandardsDriver pulls the full standards catalog. The endpoint
// is not paginated upstream, so MaxPages caps emitted records instead.
type renecStandardsDriver struct {
	client *renecClient
}

func NewStandardsDriver() Driver {
	return &renecStandardsDriver{client: newRenecClient()}
}

func (d *renecStandardsDriver) Kind() string {
	return models.KindStandard
}

func (d *renecStandardsDriver) Harvest(ctx context.Context, opts DriverOptions) (<-chan Record, error) {
	path := strings.TrimSpace(os.Getenv("RENEC_STANDARDS_PATH"))
	if path == "" {
		path = "/api/getEstandaresAll"
	}

	resp, err := d.client.getList(ctx, path, url.Values{})
	if err != nil {
		return nil, err
	}

	records := resp.records()
	if opts.MaxPages > 0 && len(records) > opts.MaxPages*defaultPageSize {
		records = records[:opts.MaxPages*defaultPageSize]
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		for i, raw := range records {
			select {
			case out <- Record{Data: raw, URL: d.client.baseURL + path, Page: i/defaultPageSize + 1}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// renecSearchDriver walks a paginated search endpoint. Certifiers and
// evaluation centers share the same contract and differ only in path
// and record type filter.
type renecSearchDriver struct {
	client *renecClient
	kind   string
	path   string
	filter string
	logger func(page int, err error)
}

func NewCertifiersDriver() Driver {
	path := strings.TrimSpace(os.Getenv("RENEC_CERTIFIERS_PATH"))
	if path == "" {
		path = "/api/search"
	}
	return &renecSearchDriver{
		client: newRenecClient(),
		kind:   models.KindCertifier,
		path:   path,
		filter: "certificador",
		logger: logPageError(models.KindCertifier),
	}
}

func NewCentersDriver() Driver {
	path := strings.TrimSpace(os.Getenv("RENEC_CENTERS_PATH"))
	if path == "" {
		path = "/api/search"
	}
	return &renecSearchDriver{
		client: newRenecClient(),
		kind:   models.KindCenter,
		path:   path,
		filter: "centro",
		logger: logPageError(models.KindCenter),
	}
}

func (d *renecSearchDriver) Kind() string {
	return d.kind
}

func (d *renecSearchDriver) Harvest(ctx context.Context, opts DriverOptions) (<-chan Record, error) {
	// Fetch the first page synchronously so an unreachable endpoint
	// surfaces as a driver initialization error, not a silent empty run.
	first, err := d.fetchPage(ctx, 1)
	if err != nil {
		return nil, err
	}

	out := make(chan Record)
	go func() {
		defer close(out)

		page := 1
		records := first
		for {
			for _, raw := range records {
				select {
				case out <- Record{Data: raw, URL: d.pageURL(page), Page: page}:
				case <-ctx.Done():
					return
				}
			}

			if len(records) < defaultPageSize {
				return
			}
			if opts.MaxPages > 0 && page >= opts.MaxPages {
				return
			}

			if opts.PoliteDelay > 0 {
				select {
				case <-time.After(opts.PoliteDelay):
				case <-ctx.Done():
					return
				}
			}

			page++
			next, err := d.fetchPage(ctx, page)
			if err != nil {
				// Partial stream. Already-emitted records stay synced.
				d.logger(page, err)
				return
			}
			if len(next) == 0 {
				return
			}
			records = next
		}
	}()
	return out, nil
}

func (d *renecSearchDriver) fetchPage(ctx context.Context, page int) ([]RawRecord, error) {
	resp, err := d.client.postList(ctx, d.path, map[string]any{
		"tipo":   d.filter,
		"pagina": page,
		"limite": defaultPageSize,
	})
	if err != nil {
		return nil, err
	}
	return resp.records(), nil
}

func (d *renecSearchDriver) pageURL(page int) string {
	return d.client.baseURL + d.path + "?tipo=" + d.filter + "&pagina=" + strconv.Itoa(page)
}

func logPageError(kind string) func(page int, err error) {
	return func(page int, err error) {
		config.LogError(config.GetLogger(), "harvest", "fetchPage", kind+" page "+strconv.Itoa(page), nil, err)
	}
}
