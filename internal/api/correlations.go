package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"detection-engine/internal/correlation"
)

var validate = validator.New()

// TopRequest is the query of GET /api/correlations/top.
type TopRequest struct {
	Limit int     `query:"limit" default:"10" validate:"min=1,max=500"`
	Min   float64 `query:"min" validate:"gte=0,lte=1"`
}

// PairRequest is the query of GET /api/correlations/pair.
type PairRequest struct {
	A string `query:"a" validate:"required"`
	B string `query:"b" validate:"required,nefield=A"`
}

// TopResponse lists pairs by descending coefficient.
type TopResponse struct {
	Pairs []correlation.PairStat `json:"pairs"`
}

// FieldError describes one invalid query parameter.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ErrorResponse is the body of every 4xx reply.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields,omitempty"`
}

type correlationHandler struct {
	corr Correlations
}

func (h *correlationHandler) Top(c echo.Context) error {
	var req TopRequest
	if resp := bindAndValidate(c, &req); resp != nil {
		return c.JSON(http.StatusBadRequest, resp)
	}
	pairs := h.corr.TopCorrelations(req.Limit, req.Min)
	if pairs == nil {
		pairs = []correlation.PairStat{}
	}
	return c.JSON(http.StatusOK, TopResponse{Pairs: pairs})
}

func (h *correlationHandler) Pair(c echo.Context) error {
	var req PairRequest
	if resp := bindAndValidate(c, &req); resp != nil {
		return c.JSON(http.StatusBadRequest, resp)
	}
	st, err := h.corr.Pair(req.A, req.B)
	if errors.Is(err, correlation.ErrSameDetector) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// bindAndValidate fills req from the query, applies defaults and validates.
func bindAndValidate(c echo.Context, req any) *ErrorResponse {
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, req); err != nil {
		return &ErrorResponse{Error: "malformed query"}
	}
	if err := defaults.Set(req); err != nil {
		return &ErrorResponse{Error: err.Error()}
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ErrorResponse{Error: err.Error()}
		}
		resp := &ErrorResponse{Error: "invalid query"}
		for _, fe := range verrs {
			resp.Fields = append(resp.Fields, FieldError{Field: strings.ToLower(fe.Field()), Rule: fe.Tag()})
		}
		return resp
	}
	return nil
}
