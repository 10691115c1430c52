package harvest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/utils"
)

// Driver streams raw records for one registry kind. Implementations own
// pagination and politeness; the orchestrator owns persistence.
type Driver interface {
	Kind() string
	Harvest(ctx context.Context, opts DriverOptions) (<-chan Record, error)
}

var ErrMissingKey = errors.New("record has no natural key")

// Str returns the first non-empty value among the given key aliases,
// trimmed. Numeric values are formatted without a mantissa when whole.
func (r RawRecord) Str(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			if t == float64(int64(t)) {
				s = strconv.FormatInt(int64(t), 10)
			} else {
				s = strconv.FormatFloat(t, 'f', -1, 64)
			}
		case bool:
			s = strconv.FormatBool(t)
		default:
			s = strings.TrimSpace(fmt.Sprintf("%v", t))
		}
		if s != "" {
			return s
		}
	}
	return ""
}

// Int parses the first alias that holds a usable integer.
func (r RawRecord) Int(keys ...string) int {
	s := r.Str(keys...)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Bool treats the upstream's assorted truthy spellings uniformly.
func (r RawRecord) Bool(keys ...string) bool {
	s := strings.ToLower(r.Str(keys...))
	switch s {
	case "true", "1", "si", "sí", "vigente", "activo", "active":
		return true
	}
	return false
}

// StrList collects a list-valued field. The upstream sometimes sends a
// JSON array and sometimes a comma separated string.
func (r RawRecord) StrList(keys ...string) []string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case []any:
			out := make([]string, 0, len(t))
			for _, item := range t {
				if m, ok := item.(map[string]any); ok {
					if code := RawRecord(m).Str("codigo", "clave", "code"); code != "" {
						out = append(out, code)
					}
					continue
				}
				if s := strings.TrimSpace(fmt.Sprintf("%v", item)); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			parts := strings.Split(t, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// Date parses the handful of date layouts the registry emits.
func (r RawRecord) Date(keys ...string) *time.Time {
	s := r.Str(keys...)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

type standardRecord struct {
	Code        string
	Title       string
	Level       int
	Sector      string
	Committee   string
	Purpose     string
	PublishedAt *time.Time
	Vigente     bool
}

func normalizeStandard(raw RawRecord) (*standardRecord, error) {
	code := raw.Str("codigo", "clave", "code")
	if code == "" {
		return nil, ErrMissingKey
	}
	return &standardRecord{
		Code:        strings.ToUpper(code),
		Title:       raw.Str("titulo", "nombre", "title"),
		Level:       raw.Int("nivel", "level"),
		Sector:      raw.Str("sector", "sectorProductivo"),
		Committee:   raw.Str("comite", "comiteGestion"),
		Purpose:     raw.Str("proposito", "descripcion"),
		PublishedAt: raw.Date("fechaPublicacion", "publicacion"),
		Vigente:     raw.Bool("vigente", "estatus"),
	}, nil
}

func (rec *standardRecord) fingerprintFields() map[string]string {
	published := ""
	if rec.PublishedAt != nil {
		published = rec.PublishedAt.Format("2006-01-02")
	}
	return map[string]string{
		"code":      rec.Code,
		"title":     rec.Title,
		"level":     strconv.Itoa(rec.Level),
		"sector":    rec.Sector,
		"committee": rec.Committee,
		"purpose":   rec.Purpose,
		"published": published,
		"vigente":   strconv.FormatBool(rec.Vigente),
	}
}

type certifierRecord struct {
	Code          string
	Name          string
	LegalName     string
	EntityType    string
	ContactEmail  string
	ContactPhone  string
	Active        bool
	StandardCodes []string
}

func normalizeCertifier(raw RawRecord) (*certifierRecord, error) {
	code := raw.Str("codigo", "clave", "cedula", "code")
	if code == "" {
		return nil, ErrMissingKey
	}
	return &certifierRecord{
		Code:          strings.ToUpper(code),
		Name:          raw.Str("nombre", "name"),
		LegalName:     raw.Str("razonSocial", "razon_social"),
		EntityType:    raw.Str("tipo", "tipoEntidad"),
		ContactEmail:  strings.ToLower(raw.Str("correo", "email")),
		ContactPhone:  utils.NormalizePhoneNumber(raw.Str("telefono", "phone"), ""),
		Active:        raw.Bool("vigente", "activo", "estatus"),
		StandardCodes: normalizeCodes(raw.StrList("estandares", "estandaresAcreditados")),
	}, nil
}

func (rec *certifierRecord) fingerprintFields() map[string]string {
	return map[string]string{
		"code":       rec.Code,
		"name":       rec.Name,
		"legalName":  rec.LegalName,
		"entityType": rec.EntityType,
		"email":      rec.ContactEmail,
		"phone":      rec.ContactPhone,
		"active":     strconv.FormatBool(rec.Active),
		"standards":  strings.Join(rec.StandardCodes, ","),
	}
}

type centerRecord struct {
	Code          string
	Name          string
	CertifierCode string
	Address       string
	Municipality  string
	State         string
	PostalCode    string
	Phone         string
	Email         string
	Active        bool
	StandardCodes []string
}

func normalizeCenter(raw RawRecord) (*centerRecord, error) {
	code := raw.Str("codigo", "clave", "code")
	if code == "" {
		return nil, ErrMissingKey
	}
	return &centerRecord{
		Code:          strings.ToUpper(code),
		Name:          raw.Str("nombre", "name"),
		CertifierCode: strings.ToUpper(raw.Str("certificador", "claveCertificador")),
		Address:       raw.Str("domicilio", "direccion", "address"),
		Municipality:  raw.Str("municipio", "municipality"),
		State:         raw.Str("estado", "entidadFederativa", "state"),
		PostalCode:    raw.Str("codigoPostal", "cp"),
		Phone:         utils.NormalizePhoneNumber(raw.Str("telefono", "phone"), ""),
		Email:         strings.ToLower(raw.Str("correo", "email")),
		Active:        raw.Bool("vigente", "activo", "estatus"),
		StandardCodes: normalizeCodes(raw.StrList("estandares", "estandaresAcreditados")),
	}, nil
}

func (rec *centerRecord) fingerprintFields() map[string]string {
	return map[string]string{
		"code":         rec.Code,
		"name":         rec.Name,
		"certifier":    rec.CertifierCode,
		"address":      rec.Address,
		"municipality": rec.Municipality,
		"state":        rec.State,
		"postalCode":   rec.PostalCode,
		"phone":        rec.Phone,
		"email":        rec.Email,
		"active":       strconv.FormatBool(rec.Active),
		"standards":    strings.Join(rec.StandardCodes, ","),
	}
}

// normalizeCodes uppercases, dedupes and sorts standard codes so the
// relationship list contributes deterministically to the fingerprint.
func normalizeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
