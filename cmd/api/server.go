package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mcclellann/opledger/pkg/apperrors"
	"github.com/mcclellann/opledger/pkg/ledger"
	"github.com/mcclellann/opledger/pkg/metrics"
	"github.com/mcclellann/opledger/pkg/models"
	"github.com/mcclellann/opledger/pkg/store"
)

// Server exposes the ledger over HTTP.
type Server struct {
	ledger  *ledger.Ledger
	logger  *logrus.Logger
	metrics *metrics.Collector
}

func NewServer(l *ledger.Ledger, logger *logrus.Logger, m *metrics.Collector) *Server {
	return &Server{ledger: l, logger: logger, metrics: m}
}

// Router wires every route. /metrics is served only when a collector is configured.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	if s.metrics != nil {
		router.Use(s.metrics.Middleware)
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	router.HandleFunc("/operations", s.listOperationsHandler).Methods("GET")
	router.HandleFunc("/operations", s.createOperationHandler).Methods("POST")
	router.HandleFunc("/operations/{id}", s.getOperationHandler).Methods("GET")
	router.HandleFunc("/operations/{id}", s.updateOperationHandler).Methods("PATCH")
	router.HandleFunc("/operations/{id}", s.deleteOperationHandler).Methods("DELETE")
	router.HandleFunc("/operations/{id}/balance", s.balanceHandler).Methods("GET")
	router.HandleFunc("/operations/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	router.HandleFunc("/operations/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/operations/{id}/payments", s.registerPaymentHandler).Methods("POST")
	router.HandleFunc("/operations/{id}/alerts", s.listAlertsHandler).Methods("GET")
	router.HandleFunc("/operations/{id}/alerts", s.triggerAlertHandler).Methods("POST")

	router.HandleFunc("/installments/{id}", s.updateInstallmentHandler).Methods("PATCH")
	router.HandleFunc("/alerts/{id}", s.updateAlertHandler).Methods("PATCH")
	router.HandleFunc("/alerts/{id}", s.deleteAlertHandler).Methods("DELETE")

	router.HandleFunc("/accounts/{id}/operation-limit", s.operationLimitHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/feature-limits", s.featureLimitsHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/feature-usage/{planFeatureId}", s.resetFeatureUsageHandler).Methods("DELETE")
	return router
}

func (s *Server) createOperationHandler(w http.ResponseWriter, r *http.Request) {
	var in ledger.CreateOperationInput
	if !decode(w, r, &in) {
		return
	}
	op, err := s.ledger.CreateOperation(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) getOperationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	op, err := s.ledger.GetOperation(r.Context(), id, includeDeleted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) listOperationsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OperationFilter{
		Status: models.OperationStatus(q.Get("status")),
		Type:   models.OperationType(q.Get("type")),
	}
	filter.IncludeDeleted, _ = strconv.ParseBool(q.Get("include_deleted"))
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	for param, dst := range map[string]**uuid.UUID{"account_id": &filter.AccountID, "client_id": &filter.ClientID} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, apperrors.NewValidation(param, "must be a UUID"))
			return
		}
		*dst = &id
	}

	page, err := s.ledger.ListOperations(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) updateOperationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in ledger.UpdateOperationInput
	if !decode(w, r, &in) {
		return
	}
	op, err := s.ledger.UpdateOperation(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) deleteOperationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteOperation(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	balance, err := s.ledger.OperationBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	insts, err := s.ledger.ListInstallments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insts)
}

func (s *Server) updateInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in ledger.UpdateInstallmentInput
	if !decode(w, r, &in) {
		return
	}
	inst, err := s.ledger.UpdateInstallment(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) registerPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in ledger.RegisterPaymentInput
	if !decode(w, r, &in) {
		return
	}
	in.OperationID = id
	payment, err := s.ledger.RegisterPayment(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payments, err := s.ledger.ListPayments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) triggerAlertHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in ledger.TriggerAlertInput
	if !decode(w, r, &in) {
		return
	}
	in.OperationID = id
	alert, err := s.ledger.TriggerAlert(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled"))
	alerts, err := s.ledger.ListAlerts(r.Context(), id, enabledOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) updateAlertHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in ledger.UpdateAlertInput
	if !decode(w, r, &in) {
		return
	}
	alert, err := s.ledger.UpdateAlert(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) deleteAlertHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteAlert(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) operationLimitHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	check, err := s.ledger.CheckOperationLimit(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) featureLimitsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limits, err := s.ledger.AccountFeatureLimits(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) resetFeatureUsageHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	planFeatureID, ok := pathID(w, r, "planFeatureId")
	if !ok {
		return
	}
	removed, err := s.ledger.ResetFeatureUsage(r.Context(), accountID, planFeatureID, r.URL.Query().Get("period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

type errorResponse struct {
	Error string                        `json:"error"`
	Field string                        `json:"field,omitempty"`
	Quota *apperrors.QuotaExceededError `json:"quota,omitempty"`
}

// writeError maps the error kind to a status code. Only unexpected failures are logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *apperrors.ValidationError
		nf *apperrors.NotFoundError
		qe *apperrors.QuotaExceededError
		te *apperrors.TransientError
	)
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Field = ve.Field
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &qe):
		status = http.StatusForbidden
		resp.Quota = qe
	case errors.As(err, &te):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + name, Field: name})
		return uuid.Nil, false
	}
	return id, true
}
