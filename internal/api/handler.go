package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/cash"
	"github.com/vallenar/pos-core/internal/config"
	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/queue"
	"github.com/vallenar/pos-core/internal/reports"
	"github.com/vallenar/pos-core/internal/sales"
)

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

// Handler bundles dependencies for HTTP handlers. It is thin glue: every
// operation delegates to a subsystem and translates errors to status codes.
type Handler struct {
	validator  *auth.Validator
	processor  *sales.Processor
	ledger     *cash.Ledger
	dispatcher *queue.Dispatcher
	reporter   *reports.Service
	secret     string
	tokenTTL   time.Duration
	origins    []string
}

func New(validator *auth.Validator, processor *sales.Processor, ledger *cash.Ledger,
	dispatcher *queue.Dispatcher, reporter *reports.Service, cfg *config.Config) *Handler {
	return &Handler{
		validator:  validator,
		processor:  processor,
		ledger:     ledger,
		dispatcher: dispatcher,
		reporter:   reporter,
		secret:     cfg.Auth.JWTSecret,
		tokenTTL:   cfg.Auth.TokenTTL,
		origins:    cfg.Server.AllowedOrigins,
	}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/login", h.login)

	r.Group(func(pr chi.Router) {
		pr.Use(h.authMiddleware)

		pr.Route("/sales", func(r chi.Router) {
			r.Post("/", h.createSale)
			r.Get("/", h.listSales)
			r.Post("/{id}/void", h.voidSale)
			r.Post("/{id}/refund", h.refundSale)
		})

		pr.Route("/cash", func(r chi.Router) {
			r.Post("/sessions", h.openSession)
			r.Post("/sessions/close", h.closeSession)
			r.Post("/sessions/system-close", h.systemCloseSession)
			r.Get("/sessions/{id}", h.sessionReport)
			r.Get("/sessions/{id}/expected", h.expectedCash)
			r.Post("/sessions/{id}/adjust", h.adjustSession)
			r.Post("/sessions/{id}/withdraw", h.withdrawSession)
		})

		pr.Route("/queue", func(r chi.Router) {
			r.Post("/tickets", h.createTicket)
			r.Post("/call", h.callNextTicket)
			r.Post("/tickets/{id}/complete", h.completeTicket)
			r.Post("/tickets/{id}/cancel", h.cancelTicket)
		})

		pr.Get("/reports/daily", h.dailySummary)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authentication

type authClaims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (h *Handler) generateToken(userID int64, role string) (string, error) {
	claims := authClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(h.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.secret))
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimSpace(header[len("Bearer "):])
		token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(token *jwt.Token) (any, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(h.secret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(*authClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	role, _ := r.Context().Value(ctxRole).(string)
	for _, allowedRole := range allowed {
		if role == allowedRole {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "insufficient permissions")
	return false
}

func currentUserID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxUserID).(int64)
	return id
}

type loginRequest struct {
	UserID int64  `json:"user_id"`
	PIN    string `json:"pin"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID <= 0 || req.PIN == "" {
		respondError(w, http.StatusBadRequest, "user_id and pin are required")
		return
	}

	user, err := h.validator.Validate(r.Context(), auth.Credential{HolderID: req.UserID, PIN: req.PIN})
	if err != nil {
		respondOpError(w, err)
		return
	}

	token, err := h.generateToken(user.ID, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}

	respondJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// Helpers

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondOpError translates a subsystem error to a status code. Retryable
// storage contention surfaces as 409 so clients know to resubmit.
func respondOpError(w http.ResponseWriter, err error) {
	var (
		validationErr *models.ValidationError
		authzErr      *models.AuthorizationError
		ruleErr       *models.BusinessRuleError
	)

	switch {
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &authzErr):
		respondError(w, http.StatusUnauthorized, authzErr.Error())
	case errors.As(err, &ruleErr):
		payload := map[string]any{"error": ruleErr.Error(), "rule": ruleErr.Rule}
		if len(ruleErr.Shortages) > 0 {
			payload["shortages"] = ruleErr.Shortages
		}
		respondJSON(w, http.StatusUnprocessableEntity, payload)
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrCustomerNotFound),
		errors.Is(err, database.ErrBatchNotFound),
		errors.Is(err, database.ErrSaleNotFound),
		errors.Is(err, database.ErrSessionNotFound),
		errors.Is(err, database.ErrTicketNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case database.IsResourceBusy(err), database.IsSerializationConflict(err):
		respondError(w, http.StatusConflict, "resource busy, retry the operation")
	default:
		log.Printf("api: internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
