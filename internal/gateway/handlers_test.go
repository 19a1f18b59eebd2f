package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
)

func TestRegisterTransformDuplicate(t *testing.T) {
	r := NewHandlerRegistry()
	fn := func(ctx context.Context, in fhir.Resource) (fhir.Resource, error) { return in, nil }

	if err := r.RegisterTransform("Patient", "Patient", fn); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.RegisterTransform("Patient", "Patient", fn); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestRegisterUnknownTypes(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.RegisterTransform("NotAThing", "Patient", nil); err == nil {
		t.Error("unknown input type should be rejected")
	}
	if err := r.RegisterTransform("Patient", "NotAThing", nil); err == nil {
		t.Error("unknown return type should be rejected")
	}
	if err := r.RegisterAggregate("NotAThing", nil); err == nil {
		t.Error("unknown aggregate type should be rejected")
	}
	if err := r.RegisterPredict("NotAThing", nil); err == nil {
		t.Error("unknown predict type should be rejected")
	}
}

func TestRegistryCatalog(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterTransform("Observation", "Observation", nil)
	r.RegisterTransform("Condition", "Condition", nil)
	r.RegisterAggregate("Patient", nil)
	r.RegisterPredict("RiskAssessment", nil)

	cat := r.Catalog("/fhir")
	if got := cat["transform"]; len(got) != 2 || got[0].ResourceType != "Condition" || got[1].ResourceType != "Observation" {
		t.Errorf("transform catalog = %v, want sorted", got)
	}
	first := cat["transform"][0]
	if first.Method != http.MethodGet || first.Endpoint != "/fhir/transform/Condition/{id}" {
		t.Errorf("transform entry = %+v", first)
	}
	if len(first.Params) != 1 || first.Params[0] != "source" {
		t.Errorf("transform params = %v", first.Params)
	}

	if got := cat["aggregate"]; len(got) != 1 || got[0].ResourceType != "Patient" {
		t.Errorf("aggregate catalog = %v", got)
	}
	agg := cat["aggregate"][0]
	if agg.Endpoint != "/fhir/aggregate/Patient" || len(agg.Params) != 2 || agg.Params[0] != "id" || agg.Params[1] != "sources" {
		t.Errorf("aggregate entry = %+v", agg)
	}

	if got := cat["predict"]; len(got) != 1 || got[0].ResourceType != "RiskAssessment" {
		t.Errorf("predict catalog = %v", got)
	}
	if got := cat["predict"][0].Endpoint; got != "/fhir/predict/RiskAssessment/{id}" {
		t.Errorf("predict endpoint = %q", got)
	}
}

func TestTransform(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fhir.Resource{
			"resourceType": "Observation",
			"id":           "o1",
			"valueQuantity": map[string]interface{}{
				"value": 120.0,
			},
		})
	}))
	defer ts.Close()

	gw, _ := newTestGateway(t, ts.URL)
	err := gw.Registry().RegisterTransform("Observation", "Basic", func(ctx context.Context, in fhir.Resource) (fhir.Resource, error) {
		return fhir.Resource{"resourceType": "Basic", "id": in.ID()}, nil
	})
	if err != nil {
		t.Fatalf("RegisterTransform: %v", err)
	}

	out, err := gw.Transform(context.Background(), "Observation", "o1", "")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if out.ResourceType() != "Basic" || out.ID() != "o1" {
		t.Errorf("out = %v", out)
	}
}

func TestTransformReturnTypeMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fhir.Resource{"resourceType": "Observation", "id": "o1"})
	}))
	defer ts.Close()

	gw, _ := newTestGateway(t, ts.URL)
	gw.Registry().RegisterTransform("Observation", "Basic", func(ctx context.Context, in fhir.Resource) (fhir.Resource, error) {
		return fhir.Resource{"resourceType": "Patient"}, nil
	})

	_, err := gw.Transform(context.Background(), "Observation", "o1", "")
	ce, ok := fhir.AsConnectionError(err)
	if !ok || ce.Kind != fhir.KindValidationError {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !strings.Contains(ce.Message, `"Patient"`) || !strings.Contains(ce.Message, `"Basic"`) {
		t.Errorf("Message = %q", ce.Message)
	}
}

func TestTransformNotRegistered(t *testing.T) {
	gw, _ := newTestGateway(t, "http://unused.example.com")
	_, err := gw.Transform(context.Background(), "Patient", "1", "")
	ce, ok := fhir.AsConnectionError(err)
	if !ok || ce.Kind != fhir.KindNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// multiSourceGateway wires two sources against two stub servers.
func multiSourceGateway(t *testing.T, urlA, urlB string) *Gateway {
	t.Helper()
	factory := func(cfg fhir.AuthConfig, limits fhir.ConnectionLimits) (*fhir.Client, error) {
		target := urlA
		if strings.Contains(cfg.BaseURL, "b.example.com") {
			target = urlB
		}
		cfg.BaseURL = target
		return fhir.NewClient(cfg, limits)
	}
	manager := fhir.NewConnectionManager(factory, fhir.DefaultConnectionLimits())
	if err := manager.AddSource("alpha", "fhir://a.example.com/fhir"); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := manager.AddSource("beta", "fhir://b.example.com/fhir"); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	return New(manager)
}

func TestAggregateAcrossSources(t *testing.T) {
	serveA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fhir.Resource{"resourceType": "Patient", "id": "p1", "name": "from-alpha"})
	}))
	defer serveA.Close()
	serveB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fhir.Resource{"resourceType": "Patient", "id": "p1", "name": "from-beta"})
	}))
	defer serveB.Close()

	gw := multiSourceGateway(t, serveA.URL, serveB.URL)
	gw.Registry().RegisterAggregate("Patient", func(ctx context.Context, inputs []fhir.Resource) (fhir.Resource, error) {
		return nil, nil // fall back to the collection bundle
	})

	out, err := gw.Aggregate(context.Background(), "Patient", "p1", nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if out.ResourceType() != "Bundle" {
		t.Fatalf("out = %v", out)
	}
	entries := out["entry"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	first := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	meta := first["meta"].(map[string]interface{})
	if meta["source"] != "urn:healthchain:source:alpha" {
		t.Errorf("meta.source = %v", meta["source"])
	}
}

func TestAggregateSkipsMissingSources(t *testing.T) {
	serveA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fhir.Resource{"resourceType": "Patient", "id": "p1"})
	}))
	defer serveA.Close()
	serveB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer serveB.Close()

	gw := multiSourceGateway(t, serveA.URL, serveB.URL)
	gw.Registry().RegisterAggregate("Patient", func(ctx context.Context, inputs []fhir.Resource) (fhir.Resource, error) {
		return nil, nil
	})

	out, err := gw.Aggregate(context.Background(), "Patient", "p1", nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if out["total"] != 1 {
		t.Errorf("total = %v, want 1", out["total"])
	}
}

func TestAggregateNoSourceHoldsResource(t *testing.T) {
	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()

	gw := multiSourceGateway(t, missing.URL, missing.URL)
	gw.Registry().RegisterAggregate("Patient", func(ctx context.Context, inputs []fhir.Resource) (fhir.Resource, error) {
		return nil, nil
	})

	_, err := gw.Aggregate(context.Background(), "Patient", "p1", nil)
	ce, ok := fhir.AsConnectionError(err)
	if !ok || ce.Kind != fhir.KindNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func patientServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/Patient/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/Patient/")
		json.NewEncoder(w).Encode(fhir.Resource{"resourceType": "Patient", "id": id})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestPredictWrapsFloat(t *testing.T) {
	ts := patientServer(t)
	gw, _ := newTestGateway(t, ts.URL)
	err := gw.Registry().RegisterPredict("RiskAssessment", func(ctx context.Context, subject fhir.Resource) (interface{}, error) {
		if subject.ID() != "P1" {
			t.Errorf("subject = %v", subject)
		}
		return 0.75, nil
	})
	if err != nil {
		t.Fatalf("RegisterPredict: %v", err)
	}

	out, err := gw.Predict(context.Background(), "RiskAssessment", "P1", "")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out.ResourceType() != "RiskAssessment" || out["status"] != "final" {
		t.Errorf("out = %v", out)
	}
	subject := out["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/P1" {
		t.Errorf("subject = %v", subject)
	}
	pred := out["prediction"].([]interface{})[0].(map[string]interface{})
	if pred["probabilityDecimal"] != 0.75 {
		t.Errorf("prediction = %v", pred)
	}
}

func TestPredictWrapsScoreMap(t *testing.T) {
	ts := patientServer(t)
	gw, _ := newTestGateway(t, ts.URL)
	gw.Registry().RegisterPredict("RiskAssessment", func(ctx context.Context, subject fhir.Resource) (interface{}, error) {
		return map[string]interface{}{"score": 0.9, "qualitativeRisk": "high"}, nil
	}, WithStatus("preliminary"))

	out, err := gw.Predict(context.Background(), "RiskAssessment", "P1", "")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out["status"] != "preliminary" {
		t.Errorf("status = %v", out["status"])
	}
	pred := out["prediction"].([]interface{})[0].(map[string]interface{})
	if pred["probabilityDecimal"] != 0.9 {
		t.Errorf("prediction = %v", pred)
	}
	risk := pred["qualitativeRisk"].(map[string]interface{})
	if risk["text"] != "high" {
		t.Errorf("qualitativeRisk = %v", risk)
	}
	coding := risk["coding"].([]interface{})[0].(map[string]interface{})
	if coding["display"] != "high" || coding["code"] != "high" {
		t.Errorf("coding = %v", coding)
	}
}

func TestPredictRejectsBadOutput(t *testing.T) {
	ts := patientServer(t)
	gw, _ := newTestGateway(t, ts.URL)
	gw.Registry().RegisterPredict("RiskAssessment", func(ctx context.Context, subject fhir.Resource) (interface{}, error) {
		return "not a score", nil
	})

	_, err := gw.Predict(context.Background(), "RiskAssessment", "P1", "")
	ce, ok := fhir.AsConnectionError(err)
	if !ok || ce.Kind != fhir.KindValidationError {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestPredictOnlyRiskAssessment(t *testing.T) {
	gw, _ := newTestGateway(t, "http://unused.example.com")
	gw.Registry().RegisterPredict("Condition", func(ctx context.Context, subject fhir.Resource) (interface{}, error) {
		return 0.5, nil
	})

	_, err := gw.Predict(context.Background(), "Condition", "P1", "")
	ce, ok := fhir.AsConnectionError(err)
	if !ok || ce.Kind != fhir.KindNotImplemented {
		t.Fatalf("err = %v, want NOT_IMPLEMENTED", err)
	}
	if ce.State != StateNotImplemented {
		t.Errorf("State = %q", ce.State)
	}
}

func TestHTTPRoutes(t *testing.T) {
	ts := patientServer(t)
	gw, _ := newTestGateway(t, ts.URL)
	gw.Registry().RegisterPredict("RiskAssessment", func(ctx context.Context, subject fhir.Resource) (interface{}, error) {
		return 0.75, nil
	})
	gw.Registry().RegisterTransform("Observation", "Basic", func(ctx context.Context, in fhir.Resource) (fhir.Resource, error) {
		return fhir.Resource{"resourceType": "Basic"}, nil
	})

	e := echo.New()
	gw.Mount(e)

	t.Run("predict", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/predict/RiskAssessment/P1", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get(echo.HeaderContentType); ct != fhirJSONContentType {
			t.Errorf("Content-Type = %q", ct)
		}
		var out map[string]interface{}
		json.Unmarshal(rec.Body.Bytes(), &out)
		if out["resourceType"] != "RiskAssessment" {
			t.Errorf("body = %v", out)
		}
	})

	t.Run("metadata", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var cs fhir.CapabilityStatement
		json.Unmarshal(rec.Body.Bytes(), &cs)
		if cs.ResourceType != "CapabilityStatement" || len(cs.Rest) != 1 {
			t.Fatalf("body = %s", rec.Body.String())
		}
		types := map[string]string{}
		for _, res := range cs.Rest[0].Resource {
			types[res.Type] = res.Interaction[0].Code
		}
		if types["Observation"] != "read" || types["RiskAssessment"] != "read" {
			t.Errorf("resources = %v", types)
		}
	})

	t.Run("status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/status", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var st Status
		json.Unmarshal(rec.Body.Bytes(), &st)
		if st.Kind != "fhir-gateway" {
			t.Errorf("Kind = %q", st.Kind)
		}
		if len(st.Pool.Sources) != 1 || st.Pool.Sources[0] != "main" {
			t.Errorf("Sources = %v", st.Pool.Sources)
		}
		ops := st.Operations["predict"]
		if len(ops) != 1 {
			t.Fatalf("Operations = %v", st.Operations)
		}
		if ops[0].Method != http.MethodGet || ops[0].Endpoint != "/fhir/predict/RiskAssessment/{id}" {
			t.Errorf("predict entry = %+v", ops[0])
		}
	})

	t.Run("error body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/transform/Patient/1", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
		var body map[string]string
		json.Unmarshal(rec.Body.Bytes(), &body)
		if !strings.Contains(body["detail"], "no transform handler registered") {
			t.Errorf("detail = %q", body["detail"])
		}
	})

	t.Run("aggregate requires id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/aggregate/Patient", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestWriteErrorFallsBackTo500(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	rec := c.Response().Writer.(*httptest.ResponseRecorder)

	writeError(c, fmt.Errorf("plain error"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
