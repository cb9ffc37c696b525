// Package meteo is a minimal client for the MET Norway Location Forecast
// API's compact endpoint. It exists solely to feed powermonitor's
// cloud-cover forecast derating; only the fields that consumer needs are
// modeled.
//
// Basic Usage:
//
//	client := meteo.NewClient("YourApp/1.0 (your-email@example.com)")
//
//	forecast, err := client.GetCompact(meteo.QueryParams{
//		Location: meteo.Location{Latitude: 59.9139, Longitude: 10.7522},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cloudPct := forecast.Properties.Timeseries[0].Data.Instant.Details.CloudAreaFraction
//
// For more information about the API, visit: https://api.met.no/weatherapi/locationforecast/2.0/documentation
package meteo
