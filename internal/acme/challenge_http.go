package acme

import (
	"net/http"
	"strings"
)

const wellKnownPrefix = "/.well-known/acme-challenge/"

// ChallengeHandler answers GET /.well-known/acme-challenge/<token> from any
// proxy replica, regardless of which replica is driving the order, since
// HTTPSolver reads persisted challenge rows rather than in-memory state.
// It is mounted both on the standalone port-80 listener and as C8's
// intercept ahead of the normal route lookup.
type ChallengeHandler struct {
	solver *HTTPSolver
}

func NewChallengeHandler(solver *HTTPSolver) *ChallengeHandler {
	return &ChallengeHandler{solver: solver}
}

func (h *ChallengeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, wellKnownPrefix)
	if token == "" || token == r.URL.Path {
		http.NotFound(w, r)
		return
	}

	keyAuth, ok, err := h.solver.Respond(r.Context(), token)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(keyAuth))
}

// IsChallengePath reports whether path should be routed to this handler
// regardless of Host, per §4.8 step 1.
func IsChallengePath(path string) bool {
	return strings.HasPrefix(path, wellKnownPrefix)
}
