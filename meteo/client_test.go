package meteo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	userAgent := "TestApp/1.0 (test@example.com)"
	client := NewClient(userAgent)

	if client.userAgent != userAgent {
		t.Errorf("expected user agent %q, got %q", userAgent, client.userAgent)
	}
	if client.baseURL != "https://api.met.no/weatherapi/locationforecast/2.0" {
		t.Errorf("expected default base URL, got %q", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("http client is nil")
	}
}

func TestBuildURL(t *testing.T) {
	client := NewClient("TestApp/1.0")
	reqURL, err := client.buildURL(QueryParams{Location: Location{Latitude: 59.9139, Longitude: 10.7522}})
	if err != nil {
		t.Fatalf("buildURL returned error: %v", err)
	}

	want := "https://api.met.no/weatherapi/locationforecast/2.0/compact?lat=59.9139&lon=10.7522"
	if reqURL != want {
		t.Errorf("expected URL %q, got %q", want, reqURL)
	}
}

func TestGetCompact_ParsesCloudAreaFraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected User-Agent header to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(METJSONForecast{
			Type: "Feature",
			Properties: &Forecast{
				Timeseries: []ForecastTimeStep{
					{
						Data: &ForecastTimeStepData{
							Instant: &ForecastInstantData{
								Details: &ForecastTimeInstant{
									CloudAreaFraction: floatPtr(42.5),
								},
							},
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient("TestApp/1.0")
	client.baseURL = server.URL

	forecast, err := client.GetCompact(QueryParams{Location: Location{Latitude: 59.9, Longitude: 10.7}})
	if err != nil {
		t.Fatalf("GetCompact returned error: %v", err)
	}

	cloud := forecast.Properties.Timeseries[0].Data.Instant.Details.CloudAreaFraction
	if cloud == nil || *cloud != 42.5 {
		t.Fatalf("expected cloud area fraction 42.5, got %v", cloud)
	}
}

func TestGetCompact_NonOKStatusReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	client := NewClient("TestApp/1.0")
	client.baseURL = server.URL

	_, err := client.GetCompact(QueryParams{Location: Location{Latitude: 59.9, Longitude: 10.7}})
	if err == nil {
		t.Fatal("expected an error")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, apiErr.StatusCode)
	}
}

func floatPtr(f float64) *float64 { return &f }
