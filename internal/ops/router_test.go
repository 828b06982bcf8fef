package ops

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/measurement-factory/squid-sub000/internal/metrics"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

type stubReporter struct {
	report     store.Report
	transients store.TransientsReport
}

func (s *stubReporter) Report() store.Report { return s.report }

func (s *stubReporter) TransientsReport() store.TransientsReport { return s.transients }

func newExpect(t *testing.T, reporter StoreReporter) *httpexpect.Expect {
	t.Helper()
	server := httptest.NewServer(NewHandler(reporter, metrics.NewRecorder(nil)))
	t.Cleanup(server.Close)
	return httpexpect.Default(t, server.URL)
}

func TestHealthz(t *testing.T) {
	expect := newExpect(t, &stubReporter{})
	expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	rec.ObserveCollapse(metrics.CollapseWriter)
	server := httptest.NewServer(NewHandler(&stubReporter{}, rec))
	defer server.Close()

	expect := httpexpect.Default(t, server.URL)
	body := expect.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body()
	body.Contains("store_collapse_elections_total")
	body.Contains(`outcome="writer"`)
}

func TestManagerStoreReport(t *testing.T) {
	reporter := &stubReporter{report: store.Report{
		Kid:             3,
		InTransit:       5,
		CollapsedLocal:  2,
		MemCacheObjects: 9,
	}}
	expect := newExpect(t, reporter)

	obj := expect.GET("/mgr/store").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("kid", 3)
	obj.HasValue("inTransit", 5)
	obj.HasValue("collapsedLocal", 2)
	obj.HasValue("memCacheObjects", 9)
}

func TestManagerTransientsReport(t *testing.T) {
	reporter := &stubReporter{transients: store.TransientsReport{
		Kid: 2,
		Entries: []store.TransientsEntryReport{
			{Index: 7, Key: "deadbeef", WriterKid: 1, Readers: 3},
		},
	}}
	expect := newExpect(t, reporter)

	obj := expect.GET("/mgr/transients").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("kid", 2)
	entry := obj.Value("entries").Array().Value(0).Object()
	entry.HasValue("index", 7)
	entry.HasValue("writerKid", 1)
	entry.HasValue("readers", 3)
}

func TestManagerStoreUnavailable(t *testing.T) {
	expect := newExpect(t, nil)
	expect.GET("/mgr/store").
		Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().ContainsKey("error")
}

func TestUnknownRouteIs404(t *testing.T) {
	expect := newExpect(t, &stubReporter{})
	expect.GET("/mgr/unknown").
		Expect().
		Status(http.StatusNotFound)
	expect.POST("/healthz").
		Expect().
		Status(http.StatusMethodNotAllowed)
}
