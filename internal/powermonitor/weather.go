package powermonitor

import (
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/devskill-org/solar-broker/meteo"
)

// daylightRefiner narrows the deterministic [06:00,18:00] triangular
// daylight approximation to a node's actual sunrise/sunset for its
// latitude/longitude, and optionally derates the forecast for reported
// cloud cover. Both enrichments are best-effort: any failure to reach the
// weather service, or latitude/longitude left unset, silently falls back
// to the unrefined deterministic model, per the transient-resource policy
// of never treating a forecast input as fatal.
type daylightRefiner struct {
	latitude, longitude float64
	enabled             bool

	weather *meteo.Client
}

// newDaylightRefiner returns a refiner. When lat/long are both zero
// (unset), refinement is disabled and sunriseSunset/cloudFactor behave as
// no-ops.
func newDaylightRefiner(latitude, longitude float64, userAgent string) *daylightRefiner {
	r := &daylightRefiner{latitude: latitude, longitude: longitude}
	if latitude == 0 && longitude == 0 {
		return r
	}
	r.enabled = true
	r.weather = meteo.NewClient(userAgent)
	return r
}

// sunriseSunset returns today's sunrise/sunset for the configured
// coordinates. ok is false when refinement is disabled.
func (r *daylightRefiner) sunriseSunset(date time.Time) (sunrise, sunset time.Time, ok bool) {
	if !r.enabled {
		return time.Time{}, time.Time{}, false
	}
	times := suncalc.GetTimes(date, r.latitude, r.longitude)
	sunriseTime, hasSunrise := times["sunrise"]
	sunsetTime, hasSunset := times["sunset"]
	if !hasSunrise || !hasSunset {
		return time.Time{}, time.Time{}, false
	}
	return sunriseTime.Value, sunsetTime.Value, true
}

// refineDaylightWindow adjusts the deterministic daylight approximation to
// use the real sunrise/sunset hour bounds instead of the fixed [6,18]
// window, keeping the same triangular-peak-at-solar-noon shape.
func (r *daylightRefiner) refineDaylightWindow(h int, maxSolarOutput float64) (float64, bool) {
	sunrise, sunset, ok := r.sunriseSunset(time.Now())
	if !ok {
		return 0, false
	}
	sunriseHour, sunsetHour := sunrise.Hour(), sunset.Hour()
	if h < sunriseHour || h > sunsetHour {
		return 0, true
	}
	noon := (sunriseHour + sunsetHour) / 2
	halfSpan := float64(sunsetHour-sunriseHour) / 2
	if halfSpan <= 0 {
		return 0, true
	}
	frac := 1 - absInt(h-noon)/halfSpan
	if frac < 0 {
		frac = 0
	}
	return maxSolarOutput * frac, true
}

// cloudFactor fetches the current cloud area fraction (0-100) for the
// configured coordinates and returns a multiplicative derating in (0,1].
// It returns (1, false) whenever cloud cover cannot be determined, leaving
// the caller's estimate unchanged.
func (r *daylightRefiner) cloudFactor() (float64, bool) {
	if !r.enabled {
		return 1, false
	}
	forecast, err := r.weather.GetCompact(meteo.QueryParams{
		Location: meteo.Location{Latitude: r.latitude, Longitude: r.longitude},
	})
	if err != nil || forecast == nil || forecast.Properties == nil || len(forecast.Properties.Timeseries) == 0 {
		return 1, false
	}
	step := forecast.Properties.Timeseries[0]
	if step.Data == nil || step.Data.Instant == nil || step.Data.Instant.Details == nil {
		return 1, false
	}
	cloudPct := step.Data.Instant.Details.CloudAreaFraction
	if cloudPct == nil {
		return 1, false
	}
	// Full overcast derates harvested watts to 20% of clear-sky output;
	// clear sky leaves the estimate unchanged.
	return 1 - 0.8*clamp(*cloudPct, 0, 100)/100, true
}
