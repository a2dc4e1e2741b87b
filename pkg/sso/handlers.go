package sso

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dealscope/dealscope/pkg/audit"
	"github.com/dealscope/dealscope/pkg/auth"
	"github.com/dealscope/dealscope/pkg/contextkeys"
	"github.com/dealscope/dealscope/pkg/httputil"
	"github.com/dealscope/dealscope/pkg/observability"
	"github.com/dealscope/dealscope/pkg/orgs"
)

// Handler exposes the SSO HTTP surface
type Handler struct {
	service     *Service
	connections *ConnectionStore
	provisioner *JITProvisioner
	orgs        orgs.Service
	audit       audit.Logger
	logger      *observability.Logger
}

// NewHandler creates the SSO HTTP handler
func NewHandler(
	service *Service,
	connections *ConnectionStore,
	provisioner *JITProvisioner,
	orgSvc orgs.Service,
	auditLog audit.Logger,
	logger *observability.Logger,
) *Handler {
	return &Handler{
		service:     service,
		connections: connections,
		provisioner: provisioner,
		orgs:        orgSvc,
		audit:       auditLog,
		logger:      logger.WithField("component", "sso_handler"),
	}
}

// RegisterPublicRoutes mounts the login, callback, metadata and refresh
// endpoints. These are unauthenticated by nature.
func (h *Handler) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/sso/saml/login", h.SAMLLogin).Methods(http.MethodGet)
	router.HandleFunc("/sso/saml/callback", h.SAMLCallback).Methods(http.MethodPost)
	router.HandleFunc("/sso/saml/metadata", h.SAMLMetadata).Methods(http.MethodGet)
	router.HandleFunc("/sso/oidc/login", h.OIDCLogin).Methods(http.MethodGet)
	router.HandleFunc("/sso/oidc/callback", h.OIDCCallback).Methods(http.MethodGet)
	router.HandleFunc("/auth/refresh", h.Refresh).Methods(http.MethodPost)
}

// RegisterAdminRoutes mounts the connection management endpoints on a
// router that already enforces authentication and org-admin role.
func (h *Handler) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{slug}/sso/connection", h.CreateConnection).Methods(http.MethodPost)
	router.HandleFunc("/orgs/{slug}/sso/connection", h.GetConnection).Methods(http.MethodGet)
	router.HandleFunc("/orgs/{slug}/sso/connection", h.UpdateConnection).Methods(http.MethodPut)
	router.HandleFunc("/orgs/{slug}/sso/connection", h.DeleteConnection).Methods(http.MethodDelete)
	router.HandleFunc("/orgs/{slug}/sso/connection/toggle", h.ToggleConnection).Methods(http.MethodPost)
}

// SAMLLogin handles GET /sso/saml/login?org=<slug>
func (h *Handler) SAMLLogin(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("org")
	if slug == "" {
		httputil.WriteBadRequest(w, "org query parameter is required")
		return
	}
	redirectURL, err := h.service.InitiateSAMLLogin(r.Context(), slug)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// SAMLCallback handles POST /sso/saml/callback
func (h *Handler) SAMLCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "invalid form body")
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	if samlResponse == "" {
		httputil.WriteBadRequest(w, "SAMLResponse is required")
		return
	}
	result, err := h.service.HandleSAMLCallback(r.Context(), samlResponse, r.PostFormValue("RelayState"))
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// SAMLMetadata handles GET /sso/saml/metadata
func (h *Handler) SAMLMetadata(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Metadata()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// OIDCLogin handles GET /sso/oidc/login?org=<slug>
func (h *Handler) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("org")
	if slug == "" {
		httputil.WriteBadRequest(w, "org query parameter is required")
		return
	}
	redirectURL, err := h.service.InitiateOIDCLogin(r.Context(), slug)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// OIDCCallback handles GET /sso/oidc/callback?code=<c>&state=<s>
func (h *Handler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		httputil.WriteBadRequest(w, "code and state query parameters are required")
		return
	}
	result, err := h.service.HandleOIDCCallback(r.Context(), code, state)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /auth/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteBadRequest(w, "refresh_token is required")
		return
	}
	tokens, err := h.provisioner.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	httputil.WriteSuccess(w, tokens)
}

type connectionRequest struct {
	DisplayName string        `json:"display_name"`
	Protocol    Protocol      `json:"protocol"`
	Enabled     bool          `json:"enabled"`
	SAML        *SAMLSettings `json:"saml,omitempty"`
	OIDC        *OIDCSettings `json:"oidc,omitempty"`
}

// CreateConnection handles POST /orgs/{slug}/sso/connection
func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	org, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}
	var req connectionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	conn, err := h.connections.Create(r.Context(), &Connection{
		OrgID:       org.ID,
		DisplayName: req.DisplayName,
		Protocol:    req.Protocol,
		Enabled:     req.Enabled,
		SAML:        req.SAML,
		OIDC:        req.OIDC,
	})
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	h.auditConnectionChange(r, org.ID, audit.EventSSOConnectionCreated, conn)
	httputil.WriteCreated(w, conn.Redact())
}

// GetConnection handles GET /orgs/{slug}/sso/connection
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	org, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}
	conn, err := h.connections.GetByOrg(r.Context(), org.ID)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	httputil.WriteSuccess(w, conn.Redact())
}

// UpdateConnection handles PUT /orgs/{slug}/sso/connection
func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	org, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}
	var req connectionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	conn, err := h.connections.Update(r.Context(), &Connection{
		OrgID:       org.ID,
		DisplayName: req.DisplayName,
		Protocol:    req.Protocol,
		Enabled:     req.Enabled,
		SAML:        req.SAML,
		OIDC:        req.OIDC,
	})
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	h.auditConnectionChange(r, org.ID, audit.EventSSOConnectionUpdated, conn)
	httputil.WriteSuccess(w, conn.Redact())
}

// DeleteConnection handles DELETE /orgs/{slug}/sso/connection. Deletion
// is a soft disable; the row survives for audit continuity.
func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	org, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}
	conn, err := h.connections.Disable(r.Context(), org.ID)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	h.auditConnectionChange(r, org.ID, audit.EventSSOConnectionToggled, conn)
	httputil.WriteNoContent(w)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleConnection handles POST /orgs/{slug}/sso/connection/toggle
func (h *Handler) ToggleConnection(w http.ResponseWriter, r *http.Request) {
	org, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	conn, err := h.connections.SetEnabled(r.Context(), org.ID, req.Enabled)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	h.auditConnectionChange(r, org.ID, audit.EventSSOConnectionToggled, conn)
	httputil.WriteSuccess(w, conn.Redact())
}

func (h *Handler) resolveOrg(w http.ResponseWriter, r *http.Request) (*orgs.Organization, bool) {
	slug, err := httputil.PathString(r, "slug")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return nil, false
	}
	org, err := h.orgs.GetBySlug(r.Context(), slug)
	if errors.Is(err, orgs.ErrNotFound) {
		httputil.WriteNotFoundError(w, "organization not found")
		return nil, false
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return org, true
}

func (h *Handler) auditConnectionChange(r *http.Request, orgID string, eventType audit.EventType, conn *Connection) {
	var actorID string
	if claims, ok := contextkeys.Value(r.Context(), contextkeys.AuthKey).(*auth.Claims); ok {
		actorID = claims.UserID
	}
	h.audit.Log(r.Context(), audit.Event{
		OrgID:   orgID,
		ActorID: actorID,
		Type:    eventType,
		Metadata: map[string]interface{}{
			"protocol": string(conn.Protocol),
			"enabled":  conn.Enabled,
		},
	})
}

// writeSSOError maps a classified error to its HTTP status. Internal
// causes are logged but not leaked to the client.
func (h *Handler) writeSSOError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	status := kind.HTTPStatus()
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("sso operation failed")
		httputil.WriteErrorMessage(w, status, "internal server error")
		return
	}

	var e *Error
	message := "sso operation failed"
	if errors.As(err, &e) {
		message = e.Message
	}
	httputil.WriteErrorMessage(w, status, message)
}
