package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all handlers. Field names in messages are the JSON names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createProjectRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=10000"`
}

type searchRequest struct {
	Query     string   `json:"query" validate:"required,max=10000"`
	Databases []string `json:"databases" validate:"omitempty,max=3,dive,oneof=pubmed arxiv crossref"`
	MaxPerDB  int      `json:"max_per_db" validate:"omitempty,min=1,max=10000"`
}

type runRequest struct {
	ArticleIDs   []string `json:"article_ids" validate:"omitempty,max=10000,dive,required,max=255"`
	Profile      string   `json:"profile" validate:"max=64"`
	AnalysisMode string   `json:"analysis_mode" validate:"omitempty,oneof=screening full_extraction"`
	GridID       string   `json:"grid_id" validate:"max=64"`
}

type stageRequest struct {
	Profile string `json:"profile" validate:"max=64"`
}

type fetchPDFsRequest struct {
	ArticleIDs []string `json:"article_ids" validate:"omitempty,max=10000,dive,required,max=255"`
}

type validationRequest struct {
	ArticleID string `json:"article_id" validate:"required,max=255"`
	Decision  string `json:"decision" validate:"required,oneof=include exclude"`
	Evaluator string `json:"evaluator" validate:"omitempty,max=64"`
}

type zoteroPDFsRequest struct {
	ArticleIDs []string `json:"article_ids" validate:"required,min=1,max=10000,dive,required,max=255"`
	UserID     string   `json:"zotero_user_id" validate:"max=64"`
	APIKey     string   `json:"zotero_api_key" validate:"max=128"`
}

type chatRequest struct {
	Question string `json:"question" validate:"required,max=4000"`
}

type pullModelRequest struct {
	Model string `json:"model" validate:"required,max=200"`
}

type profileRequest struct {
	ID              string `json:"id" validate:"omitempty,max=64"`
	Name            string `json:"name" validate:"required,max=100"`
	PreprocessModel string `json:"preprocess_model" validate:"required,max=200"`
	ExtractModel    string `json:"extract_model" validate:"required,max=200"`
	SynthesisModel  string `json:"synthesis_model" validate:"required,max=200"`
}

type promptRequest struct {
	Description string `json:"description" validate:"max=1000"`
	Template    string `json:"template" validate:"required,max=100000"`
}

type gridRequest struct {
	Name   string   `json:"name" validate:"required,max=200"`
	Fields []string `json:"fields" validate:"required,min=1,max=100,dive,required,max=200"`
}

// decodeRequest reads a bounded JSON body into v and validates it, writing a 4xx response
// and returning false on failure. With optional set, an empty body decodes to v's zero value.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}

	if len(bytes.TrimSpace(body)) == 0 {
		if !optional {
			writeError(w, http.StatusBadRequest, "request body is required")
			return false
		}
	} else if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}

	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage renders validator errors without echoing the rejected values.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return strings.Join(msgs, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return field + " is invalid"
	}
}
