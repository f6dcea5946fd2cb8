package balance

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// ServiceIDHeader may carry the calling service when the body or query omits it.
const ServiceIDHeader = "X-Service-ID"

// Handler exposes balance HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a balance HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type deltaRequest struct {
	Delta int64 `json:"delta"`
}

type openRequest struct {
	ServiceID      string `json:"service_id"`
	ExternalTxID   string `json:"external_tx_id"`
	Amount         int64  `json:"amount"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

type serviceRequest struct {
	ServiceID string `json:"service_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Balance returns the user's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	b, err := h.service.Balance(c.UserContext(), c.Params("userId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(b.Snapshot())
}

// AdjustLimits moves the user's maximum by the requested delta.
func (h *Handler) AdjustLimits(c *fiber.Ctx) error {
	var req deltaRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	b, err := h.service.AdjustMaximum(c.UserContext(), c.Params("userId"), req.Delta)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(b.Snapshot())
}

// AdjustCurrent moves the user's current amount by the requested delta.
func (h *Handler) AdjustCurrent(c *fiber.Ctx) error {
	var req deltaRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	b, err := h.service.AdjustCurrent(c.UserContext(), c.Params("userId"), req.Delta)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(b.Snapshot())
}

// OpenReservation places a hold.
func (h *Handler) OpenReservation(c *fiber.Ctx) error {
	var req openRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	if req.ServiceID == "" {
		req.ServiceID = c.Get(ServiceIDHeader)
	}
	r, err := h.service.OpenReservation(c.UserContext(), OpenInput{
		UserID:         c.Params("userId"),
		ServiceID:      req.ServiceID,
		ExternalTxID:   req.ExternalTxID,
		Amount:         req.Amount,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(r.Snapshot())
}

// ConfirmReservation spends a hold.
func (h *Handler) ConfirmReservation(c *fiber.Ctx) error {
	key, err := h.key(c)
	if err != nil {
		return writeError(c, err)
	}
	r, err := h.service.ConfirmReservation(c.UserContext(), key)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(r.Snapshot())
}

// CancelReservation releases a hold.
func (h *Handler) CancelReservation(c *fiber.Ctx) error {
	key, err := h.key(c)
	if err != nil {
		return writeError(c, err)
	}
	r, err := h.service.CancelReservation(c.UserContext(), key)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(r.Snapshot())
}

// Reservation looks a reservation up by user, service and external tx id.
func (h *Handler) Reservation(c *fiber.Ctx) error {
	serviceID := c.Query("service_id")
	if serviceID == "" {
		serviceID = c.Get(ServiceIDHeader)
	}
	r, err := h.service.Reservation(c.UserContext(), Key{
		UserID:       c.Params("userId"),
		ServiceID:    serviceID,
		ExternalTxID: c.Params("externalTxId"),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(r.Snapshot())
}

// Repair recomputes the user's locked total.
func (h *Handler) Repair(c *fiber.Ctx) error {
	b, err := h.service.RepairBalance(c.UserContext(), c.Params("userId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(b.Snapshot())
}

func (h *Handler) key(c *fiber.Ctx) (Key, error) {
	var req serviceRequest
	if err := parseBody(c, &req); err != nil {
		return Key{}, err
	}
	if req.ServiceID == "" {
		req.ServiceID = c.Get(ServiceIDHeader)
	}
	return Key{
		UserID:       c.Params("userId"),
		ServiceID:    req.ServiceID,
		ExternalTxID: c.Params("externalTxId"),
	}, nil
}

// parseBody accepts an empty body as the zero request.
func parseBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return newError(KindInvalidArgument, "malformed body: %v", err)
	}
	return nil
}

// HTTPStatus maps an error kind to its REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindLimitViolation, KindInsufficientFunds, KindAlreadyFinalized:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status := HTTPStatus(err)
	body := errorResponse{Error: string(KindOf(err)), Message: err.Error()}
	if status == http.StatusInternalServerError {
		body = errorResponse{Error: "internal", Message: "internal error"}
	}
	return c.Status(status).JSON(body)
}
