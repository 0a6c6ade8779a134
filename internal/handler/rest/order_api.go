package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	"github.com/dmsilantev/insurance-oms/internal/service/intake"
)

const defaultListLimit = 100

// OrderAPI — HTTP-интерфейс жизненного цикла заказа.
type OrderAPI struct {
	intake   *intake.Service
	timeline domain.TimelineRepository
	logger   *log.Entry
}

// NewOrderAPI создаёт HTTP API поверх сервиса приёма заказов.
func NewOrderAPI(intakeSvc *intake.Service, timeline domain.TimelineRepository, logger *log.Entry) *OrderAPI {
	if logger == nil {
		logger = log.New().WithField("component", "rest")
	}
	return &OrderAPI{
		intake:   intakeSvc,
		timeline: timeline,
		logger:   logger,
	}
}

// Register навешивает маршруты API на mux.
func (a *OrderAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", a.createOrder)
	mux.HandleFunc("GET /api/v1/orders", a.listOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", a.getOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}/timeline", a.getTimeline)
	mux.HandleFunc("POST /api/v1/orders/{id}/validate", a.validateOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", a.cancelOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/complete", a.completeOrder)
}

type createOrderRequest struct {
	CustomerID          string           `json:"customer_id"`
	ProductID           string           `json:"product_id"`
	Category            string           `json:"category"`
	Channel             string           `json:"channel"`
	PaymentMethod       string           `json:"payment_method"`
	MonthlyPremiumMinor int64            `json:"monthly_premium_minor"`
	InsuredAmountMinor  int64            `json:"insured_amount_minor"`
	Coverages           map[string]int64 `json:"coverages"`
	Assistances         []string         `json:"assistances"`
	Description         string           `json:"description,omitempty"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderResponse struct {
	ID                  string           `json:"id"`
	CustomerID          string           `json:"customer_id"`
	ProductID           string           `json:"product_id"`
	Category            string           `json:"category"`
	Channel             string           `json:"channel"`
	PaymentMethod       string           `json:"payment_method"`
	MonthlyPremiumMinor int64            `json:"monthly_premium_minor"`
	InsuredAmountMinor  int64            `json:"insured_amount_minor"`
	Coverages           map[string]int64 `json:"coverages"`
	Assistances         []string         `json:"assistances"`
	Description         string           `json:"description,omitempty"`
	Status              string           `json:"status"`
	PaymentOutcome      string           `json:"payment_outcome"`
	SubscriptionOutcome string           `json:"subscription_outcome"`
	Version             int64            `json:"version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	FinishedAt          *time.Time       `json:"finished_at,omitempty"`
}

type timelineEventResponse struct {
	OrderID  string    `json:"order_id"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *OrderAPI) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := a.intake.Create(r.Context(), domain.NewOrderInput{
		CustomerID:          req.CustomerID,
		ProductID:           req.ProductID,
		Category:            domain.InsuranceCategory(req.Category),
		Channel:             domain.SalesChannel(req.Channel),
		PaymentMethod:       domain.PaymentMethod(req.PaymentMethod),
		MonthlyPremiumMinor: req.MonthlyPremiumMinor,
		InsuredAmountMinor:  req.InsuredAmountMinor,
		Coverages:           domain.Coverages(req.Coverages),
		Assistances:         domain.Assistances(req.Assistances),
		Description:         req.Description,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	a.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (a *OrderAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.intake.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (a *OrderAPI) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := defaultListLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	customerID := query.Get("customer_id")
	status := query.Get("status")

	var (
		orders []domain.Order
		err    error
	)
	switch {
	case customerID != "":
		orders, err = a.intake.ListByCustomer(r.Context(), customerID, limit)
	case status != "":
		orders, err = a.intake.ListByStatus(r.Context(), domain.OrderStatus(status), limit)
	default:
		a.writeError(w, http.StatusBadRequest, "customer_id or status query parameter is required")
		return
	}
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	responses := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		responses = append(responses, toOrderResponse(order))
	}
	a.writeJSON(w, http.StatusOK, responses)
}

func (a *OrderAPI) getTimeline(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	if _, err := a.intake.Get(r.Context(), orderID); err != nil {
		a.writeDomainError(w, err)
		return
	}

	events, err := a.timeline.List(orderID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	responses := make([]timelineEventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, timelineEventResponse{
			OrderID:  event.OrderID,
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	a.writeJSON(w, http.StatusOK, responses)
}

func (a *OrderAPI) validateOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.intake.Validate(r.Context(), r.PathValue("id"))
	if err != nil {
		// Превышение лимита: заказ отменён, но тело ответа содержит его
		// финальное состояние вместе с причиной.
		if errors.Is(err, domain.ErrAmountOverCeiling) {
			a.writeJSON(w, http.StatusUnprocessableEntity, toOrderResponse(order))
			return
		}
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (a *OrderAPI) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		a.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	order, err := a.intake.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (a *OrderAPI) completeOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.intake.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (a *OrderAPI) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case domain.IsValidation(err):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrAlreadyResolved),
		domain.IsVersionConflict(err):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.WithError(err).Error("Unhandled error in order API")
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *OrderAPI) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{Error: message})
}

func (a *OrderAPI) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.WithError(err).Warn("Failed to encode response")
	}
}

func toOrderResponse(order domain.Order) orderResponse {
	response := orderResponse{
		ID:                  order.ID,
		CustomerID:          order.CustomerID,
		ProductID:           order.ProductID,
		Category:            string(order.Category),
		Channel:             string(order.Channel),
		PaymentMethod:       string(order.PaymentMethod),
		MonthlyPremiumMinor: order.MonthlyPremiumMinor,
		InsuredAmountMinor:  order.InsuredAmountMinor,
		Coverages:           order.Coverages,
		Assistances:         order.Assistances,
		Description:         order.Description,
		Status:              string(order.Status),
		PaymentOutcome:      string(order.PaymentOutcome),
		SubscriptionOutcome: string(order.SubscriptionOutcome),
		Version:             order.Version,
		CreatedAt:           order.CreatedAt,
		UpdatedAt:           order.UpdatedAt,
	}
	if !order.FinishedAt.IsZero() {
		finished := order.FinishedAt
		response.FinishedAt = &finished
	}
	return response
}
