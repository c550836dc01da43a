package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/ctxsync/contexts"
	"github.com/hazyhaar/ctxsync/guard"
	"github.com/hazyhaar/ctxsync/persist"
	"github.com/hazyhaar/ctxsync/schema"
	"github.com/hazyhaar/ctxsync/session"
	"github.com/hazyhaar/ctxsync/shield"
	"github.com/hazyhaar/ctxsync/statesync"
)

// requirePermission authorizes the bearer token for perm before the handler
// runs. Mutation endpoints skip it: the engine re-authorizes every mutation
// itself, and double authorization would double the session lookups.
func requirePermission(g *guard.Guard, perm guard.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if _, err := g.Authorize(req.Context(), bearerToken(req), perm); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func newRouter(engine *statesync.Engine, g *guard.Guard, tokens *session.StoreValidator, snapshotter *statesync.Snapshotter) http.Handler {
	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxJSONBody(1 << 20))
	r.Use(shield.TraceID)
	requireRead := requirePermission(g, guard.PermContextRead)
	requireAdmin := requirePermission(g, guard.PermSyncAdmin)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := engine.Health()
		version, _ := engine.CurrentVersion()
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"healthy":              st.Healthy,
			"consecutive_failures": st.ConsecutiveFailures,
			"last_success":         st.LastSuccess,
			"version":              version,
			"snapshotter":          snapshotter.Stats(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(requireRead).Get("/changes", func(w http.ResponseWriter, req *http.Request) {
			since, err := sinceParam(req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errBody(err))
				return
			}
			changes, err := engine.ChangesSince(since)
			if err != nil {
				writeError(w, err)
				return
			}
			version, _ := engine.CurrentVersion()
			writeJSON(w, http.StatusOK, map[string]any{
				"version": version,
				"changes": changes,
			})
		})

		r.With(requireRead).Get("/subscribe", func(w http.ResponseWriter, req *http.Request) {
			serveSubscription(w, req, engine)
		})

		r.Route("/contexts", func(r chi.Router) {
			r.With(requireRead).Get("/", func(w http.ResponseWriter, _ *http.Request) {
				ids, err := engine.ContextIDs()
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"context_ids": ids})
			})

			r.Post("/", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					SchemaID string         `json:"schema_id"`
					Fields   map[string]any `json:"fields"`
					ParentID string         `json:"parent_id"`
				}
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeJSON(w, http.StatusBadRequest, errBody(err))
					return
				}
				change, err := engine.CreateContext(req.Context(), bearerToken(req), "", body.SchemaID, body.Fields, body.ParentID)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, change)
			})

			r.With(requireRead).Get("/{contextID}", func(w http.ResponseWriter, req *http.Request) {
				c, err := engine.GetContext(chi.URLParam(req, "contextID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, c)
			})

			r.With(requireRead).Get("/{contextID}/children", func(w http.ResponseWriter, req *http.Request) {
				kids, err := engine.ChildContexts(chi.URLParam(req, "contextID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"children": kids})
			})

			r.Patch("/{contextID}", func(w http.ResponseWriter, req *http.Request) {
				var delta map[string]any
				if err := json.NewDecoder(req.Body).Decode(&delta); err != nil {
					writeJSON(w, http.StatusBadRequest, errBody(err))
					return
				}
				change, err := engine.UpdateContext(req.Context(), bearerToken(req), chi.URLParam(req, "contextID"), delta)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, change)
			})

			r.Delete("/{contextID}", func(w http.ResponseWriter, req *http.Request) {
				change, err := engine.DeleteContext(req.Context(), bearerToken(req), chi.URLParam(req, "contextID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, change)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/compact", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Before time.Time `json:"before"`
				}
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeJSON(w, http.StatusBadRequest, errBody(err))
					return
				}
				dropped, err := engine.Compact(req.Context(), bearerToken(req), body.Before)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
			})

			r.Post("/reset", func(w http.ResponseWriter, req *http.Request) {
				if err := engine.Reset(req.Context(), bearerToken(req)); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"reset": true})
			})

			r.With(requireAdmin).Post("/tokens", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					UserID  string   `json:"user_id"`
					Roles   []string `json:"roles"`
					TTLDays int      `json:"ttl_days"`
				}
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeJSON(w, http.StatusBadRequest, errBody(err))
					return
				}
				if body.TTLDays <= 0 {
					body.TTLDays = 30
				}
				token, err := tokens.CreateToken(req.Context(), body.UserID, body.Roles, time.Duration(body.TTLDays)*24*time.Hour)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]any{"token": token})
			})
		})
	})

	return r
}

// serveSubscription streams committed changes as server-sent events. The
// stream starts at the current version; clients missing history call
// /v1/changes first, then subscribe with no gap risk because a disconnect
// forces a catch-up read anyway.
func serveSubscription(w http.ResponseWriter, req *http.Request, engine *statesync.Engine) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errBody(errors.New("streaming unsupported")))
		return
	}
	sub, err := engine.Subscribe()
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case change, open := <-sub.Changes():
			if !open {
				// disconnected (slow consumer or shutdown); the client
				// re-reads /v1/changes and resubscribes
				fmt.Fprint(w, "event: disconnect\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\nid: %d\ndata: %s\n\n", change.Version, data)
			flusher.Flush()
		}
	}
}

func sinceParam(req *http.Request) (uint64, error) {
	raw := req.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		authnErr   *guard.AuthenticationError
		authzErr   *guard.AuthorizationError
		notFound   *contexts.NotFoundError
		hierErr    *contexts.HierarchyError
		schemaErr  *schema.ValidationError
		unknownSch *schema.UnknownSchemaError
		conflict   *statesync.ConcurrencyError
		notInit    *statesync.NotInitializedError
		corrupt    *persist.CorruptionError
	)
	switch {
	case errors.As(err, &authnErr):
		writeJSON(w, http.StatusUnauthorized, errBody(err))
	case errors.As(err, &authzErr):
		writeJSON(w, http.StatusForbidden, errBody(err))
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errBody(err))
	case errors.As(err, &schemaErr), errors.As(err, &unknownSch), errors.As(err, &hierErr):
		writeJSON(w, http.StatusUnprocessableEntity, errBody(err))
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errBody(err))
	case errors.As(err, &notInit):
		writeJSON(w, http.StatusServiceUnavailable, errBody(err))
	case errors.As(err, &corrupt):
		writeJSON(w, http.StatusInternalServerError, errBody(err))
	default:
		writeJSON(w, http.StatusInternalServerError, errBody(err))
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
