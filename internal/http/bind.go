package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/example/ride-dispatch/internal/apperr"
)

const maxBodyBytes = 1 << 20

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. Field errors are
// keyed by their JSON path, e.g. "pickup.lat".
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := readJSON(w, r, dst); err != nil {
		return err
	}
	return s.check(dst)
}

// readJSON decodes without validating. An empty body leaves dst untouched.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation(map[string][]string{"body": {"malformed JSON"}})
	}
	return nil
}

func (s *Server) unmarshal(raw []byte, dst any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return apperr.Validation(map[string][]string{"data": {"malformed JSON"}})
		}
	}
	return s.check(dst)
}

func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.New(apperr.ErrValidation, "%v", err)
	}
	fields := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		fields[key] = append(fields[key], describe(fe))
	}
	return apperr.Validation(fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "latitude", "longitude":
		return "must be a valid " + fe.Tag()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

func errorPayload(err error) (int, errorBody) {
	ae := apperr.From(err)
	body := errorBody{Error: ae.Code(), Message: ae.Msg, Fields: ae.Fields}
	if ae.HTTPStatus() == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	return ae.HTTPStatus(), body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorPayload(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"route", routeTemplate(r),
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

// flexTime accepts epoch milliseconds or an RFC 3339 string.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null" || s == `""`:
		t.Time = time.Time{}
		return nil
	case strings.HasPrefix(s, `"`):
		parsed, err := time.Parse(time.RFC3339Nano, strings.Trim(s, `"`))
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("timestamp must be epoch millis or RFC 3339: %w", err)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}
