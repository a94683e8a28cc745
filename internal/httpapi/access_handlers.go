package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"medreel.org/internal/audit"
	"medreel.org/internal/auth"
	"medreel.org/internal/directory"
	"medreel.org/internal/entitlement"
)

type resolveRequest struct {
	UserID   string `json:"user_id"`
	SourceIP string `json:"source_ip"`
}

type articleAccessRequest struct {
	UserID      string `json:"user_id"`
	SourceIP    string `json:"source_ip"`
	ArticleID   string `json:"article_id"`
	Restriction string `json:"restriction"`
	CountryCode string `json:"country_code"`
}

// handleResolve resolves platform-level access. An empty user_id resolves
// anonymously from the source IP.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := a.lookupUser(w, r, req.UserID)
	if !ok {
		return
	}
	d := a.resolver.ResolveAccess(r.Context(), user, req.SourceIP)
	writeJSON(w, http.StatusOK, d)
}

// handleArticleAccess layers article rules over the platform decision.
func (a *API) handleArticleAccess(w http.ResponseWriter, r *http.Request) {
	var req articleAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ArticleID) == "" {
		writeError(w, r, http.StatusBadRequest, "article_id is required")
		return
	}
	restriction, err := parseRestriction(req.Restriction)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := a.lookupUser(w, r, req.UserID)
	if !ok {
		return
	}
	base := a.resolver.ResolveAccess(r.Context(), user, req.SourceIP)
	d := a.resolver.ResolveArticleAccess(r.Context(), base, user,
		entitlement.ArticleView{ID: req.ArticleID, Restriction: restriction},
		entitlement.CountryView{Code: req.CountryCode},
	)
	writeJSON(w, http.StatusOK, d)
}

type updateProfileRequest struct {
	Email              string `json:"email"`
	InstitutionalEmail string `json:"institutional_email"`
	OrganizationName   string `json:"organization_name"`
}

// handleUpdateProfile mutates identity fields and invalidates the cached
// decision so the next resolution sees the new signals. Users may edit their
// own profile; admins may edit anyone's.
func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor, _ := auth.UserIDFromContext(r.Context())
	if actor != id && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "cannot edit another user's profile")
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	users := a.store.Users(r.Context())
	if err := users.UpdateProfile(r.Context(), id, req.Email, req.InstitutionalEmail, req.OrganizationName); err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	a.resolver.Invalidate(id)

	_ = audit.LogEvent(r.Context(), "user.profile.update", map[string]any{
		"user_id": id,
	})

	user, err := users.Find(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                  user.ID,
		"email":               user.Email,
		"institutional_email": user.InstitutionalEmail,
		"organization_name":   user.OrganizationName,
	})
}

// lookupUser maps an optional user_id to a directory record. Writes the error
// response itself and reports ok=false when the caller should stop.
func (a *API) lookupUser(w http.ResponseWriter, r *http.Request, userID string) (*directory.User, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, true
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return nil, false
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return user, true
}

func parseRestriction(raw string) (entitlement.Restriction, error) {
	switch entitlement.Restriction(strings.TrimSpace(strings.ToLower(raw))) {
	case entitlement.RestrictionFree:
		return entitlement.RestrictionFree, nil
	case entitlement.RestrictionEvaluation:
		return entitlement.RestrictionEvaluation, nil
	case entitlement.RestrictionRequiresSubscription, "":
		return entitlement.RestrictionRequiresSubscription, nil
	default:
		return "", errors.New("restriction must be free, evaluation or requires_subscription")
	}
}
