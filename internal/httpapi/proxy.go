package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"villagehub.org/internal/audit"
	"villagehub.org/internal/auth"
	"villagehub.org/internal/upstream"
)

// Resource is a dashboard collection exposed under /api/v1/{resource}.
type Resource string

const (
	ResourceComplaints      Resource = "complaints"
	ResourceServices        Resource = "services"
	ResourceKnowledge       Resource = "knowledge"
	ResourceConversations   Resource = "conversations"
	ResourceChannelAccounts Resource = "channel-accounts"
	ResourceVillages        Resource = "villages"
)

type route struct {
	service        upstream.Service
	path           string
	tenantScoped   bool
	superadminOnly bool
}

var routes = map[Resource]route{
	ResourceComplaints:      {service: upstream.ServiceCase, path: "/api/complaints", tenantScoped: true},
	ResourceServices:        {service: upstream.ServiceCase, path: "/api/services", tenantScoped: true},
	ResourceKnowledge:       {service: upstream.ServiceAI, path: "/api/knowledge", tenantScoped: true},
	ResourceConversations:   {service: upstream.ServiceChannel, path: "/api/conversations", tenantScoped: true},
	ResourceChannelAccounts: {service: upstream.ServiceChannel, path: "/api/channel-accounts", tenantScoped: true},
	ResourceVillages:        {service: upstream.ServiceCase, path: "/api/villages", superadminOnly: true},
}

func resourceNames() []string {
	out := make([]string, 0, len(routes))
	for r := range routes {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}

const villageField = "village_id"

var proxyMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

var errVillageNotFound = errors.New("village not found")

// handleProxy authorizes the caller for the resource and tenant, then forwards.
func (a *API) handleProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	rt, ok := routes[Resource(chi.URLParam(r, "resource"))]
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if rt.superadminOnly && id.Role != auth.RoleSuperadmin {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	itemPath, err := cleanItemPath(chi.URLParam(r, "*"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	body, err := readJSONBody(r)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	query := cloneQuery(r.URL.Query())
	method := r.Method
	path := rt.path
	if itemPath != "" {
		path += "/" + itemPath
	}

	var scope auth.Scope
	if rt.tenantScoped {
		scope, err = a.resolveScope(r.Context(), id, requestedVillage(query, body))
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		query.Set(villageField, scope.VillageID)

		switch {
		case itemPath == "":
			if method == http.MethodPost {
				if body, err = forceVillage(body, scope.VillageID, true); err != nil {
					a.writeErr(w, r, err)
					return
				}
			}
		case isRead(method):
			// Sub-resource reads are checked against the parent item up front.
			if strings.Contains(itemPath, "/") {
				if err := a.checkOwnership(r.Context(), rt, itemPath, scope); err != nil {
					a.writeOwnershipErr(w, r, err)
					return
				}
			}
		default:
			if err := a.checkOwnership(r.Context(), rt, itemPath, scope); err != nil {
				a.writeOwnershipErr(w, r, err)
				return
			}
			if body, err = forceVillage(body, scope.VillageID, false); err != nil {
				a.writeErr(w, r, err)
				return
			}
		}
	}

	resp, err := a.upstream.Call(r.Context(), upstream.Request{
		Service: rt.service,
		Method:  method,
		Path:    path,
		Query:   query,
		Body:    body,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if rt.tenantScoped && isRead(method) && itemPath != "" && !strings.Contains(itemPath, "/") && resp.OK() {
		if owner, found := ownerOf(resp.Body); !found || !scope.Allows(owner) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
	}
	if !isRead(method) && resp.OK() {
		_ = audit.LogEvent(r.Context(), "proxy."+strings.ToLower(method), map[string]any{
			"resource":   chi.URLParam(r, "resource"),
			"item":       itemPath,
			"village_id": scope.VillageID,
			"status":     resp.Status,
		})
	}
	writeRaw(w, resp.Status, resp.Body)
}

// resolveScope applies the tenant rules and requires a tenant. A village picked by a
// platform role must exist.
func (a *API) resolveScope(ctx context.Context, id auth.Identity, requested string) (auth.Scope, error) {
	scope, err := auth.ResolveScope(id, requested)
	if err != nil {
		return auth.Scope{}, err
	}
	if _, err := scope.Require(); err != nil {
		return auth.Scope{}, err
	}
	if !scope.Fixed {
		exists, err := a.villages.VillageExists(ctx, scope.VillageID)
		if err != nil {
			return auth.Scope{}, fmt.Errorf("check village: %w", err)
		}
		if !exists {
			return auth.Scope{}, errVillageNotFound
		}
	}
	return scope, nil
}

// ownershipError carries a downstream answer that must be relayed as-is.
type ownershipError struct {
	resp *upstream.Response
}

func (e *ownershipError) Error() string {
	return fmt.Sprintf("ownership lookup returned %d", e.resp.Status)
}

// checkOwnership loads the item named by the first segment of itemPath and compares
// its village. An item without a village is treated as foreign.
func (a *API) checkOwnership(ctx context.Context, rt route, itemPath string, scope auth.Scope) error {
	itemID, _, _ := strings.Cut(itemPath, "/")
	resp, err := a.upstream.Call(ctx, upstream.Request{
		Service: rt.service,
		Method:  http.MethodGet,
		Path:    rt.path + "/" + itemID,
		Query:   url.Values{villageField: {scope.VillageID}},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &ownershipError{resp: resp}
	}
	owner, found := ownerOf(resp.Body)
	if !found || !scope.Allows(owner) {
		return auth.ErrForbidden
	}
	return nil
}

func (a *API) writeOwnershipErr(w http.ResponseWriter, r *http.Request, err error) {
	var oe *ownershipError
	if errors.As(err, &oe) {
		if oe.resp.Status == http.StatusNotFound {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		writeRaw(w, oe.resp.Status, oe.resp.Body)
		return
	}
	a.writeErr(w, r, err)
}

// --- helpers ---

func isRead(method string) bool { return method == http.MethodGet }

func cleanItemPath(raw string) (string, error) {
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return "", nil
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", badRequest("invalid resource path")
		}
	}
	return raw, nil
}

func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func readJSONBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, badRequest("invalid JSON body")
	}
	return raw, nil
}

// requestedVillage is the tenant a caller asked for: query first, then body.
func requestedVillage(query url.Values, body []byte) string {
	if v := strings.TrimSpace(query.Get(villageField)); v != "" {
		return v
	}
	if len(body) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	v, _ := obj[villageField].(string)
	return strings.TrimSpace(v)
}

// forceVillage overwrites village_id in a JSON object body. With create set an empty
// body becomes {"village_id": ...}; otherwise an empty body stays empty.
func forceVillage(body []byte, villageID string, create bool) ([]byte, error) {
	if len(body) == 0 {
		if !create {
			return nil, nil
		}
		return json.Marshal(map[string]string{villageField: villageID})
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, badRequest("request body must be a JSON object")
	}
	v, _ := json.Marshal(villageID)
	obj[villageField] = v
	return json.Marshal(obj)
}

// ownerOf extracts village_id from a JSON object. Numeric ids compare by their text.
func ownerOf(body []byte) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[villageField]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
