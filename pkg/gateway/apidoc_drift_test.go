package gateway

import (
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestOpenAPISpec_MatchesRouter checks docs/api/openapi.yaml against the
// routes NewRouter actually mounts, in both directions.
func TestOpenAPISpec_MatchesRouter(t *testing.T) {
	data, err := os.ReadFile("../../docs/api/openapi.yaml")
	if err != nil {
		t.Skip("openapi.yaml not found (run from repo root)")
	}

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc), "openapi.yaml parse error")
	require.NotEmpty(t, doc.Paths, "openapi.yaml missing paths section")

	s := newTestServer(t)
	router, ok := s.srv.Config.Handler.(chi.Routes)
	require.True(t, ok)

	mounted := map[string]bool{}
	err = chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		key := strings.ToLower(method) + " " + route
		mounted[key] = true
		if _, ok := doc.Paths[route][strings.ToLower(method)]; !ok {
			t.Errorf("route %s %s is not documented", method, route)
		}
		return nil
	})
	require.NoError(t, err)

	for path, ops := range doc.Paths {
		for method := range ops {
			if !mounted[method+" "+path] {
				t.Errorf("documented %s %s is not mounted", strings.ToUpper(method), path)
			}
		}
	}
}

// TestOpenAPISpec_ListsEveryReason keeps the Problem reason enum in step with
// the denial reasons the gateway can emit.
func TestOpenAPISpec_ListsEveryReason(t *testing.T) {
	data, err := os.ReadFile("../../docs/api/openapi.yaml")
	if err != nil {
		t.Skip("openapi.yaml not found (run from repo root)")
	}

	var doc struct {
		Components struct {
			Schemas map[string]struct {
				Properties map[string]struct {
					Enum []string `yaml:"enum"`
				} `yaml:"properties"`
			} `yaml:"schemas"`
		} `yaml:"components"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	documented := doc.Components.Schemas["Problem"].Properties["reason"].Enum

	reasons := []Reason{
		ReasonInvalidReceipt, ReasonReplayedReceipt, ReasonLedgerUnavailable, ReasonChainUnavailable,
		ReasonUnsupportedVersion, ReasonSystemStopped, ReasonControlUnavailable,
	}
	for _, r := range reasons {
		require.Contains(t, documented, string(r))
	}
}
