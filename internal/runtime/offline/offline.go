package offline

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// Placeholder stands in for every numeric or textual reading.
	Placeholder = "--"
	// LocationName marks a synthesized document.
	LocationName = "Offline Mode"
	StatusText   = "OK (Offline Mode)"
	HeaderName   = "X-SW-Offline"

	hours = 24
	// ISO-8601 in UTC with millisecond precision, the shape the dashboard parses.
	isoLayout = "2006-01-02T15:04:05.000Z"
)

type Condition struct {
	Text string `json:"text"`
}

type Current struct {
	TempC      string    `json:"temp_c"`
	TempF      string    `json:"temp_f"`
	Condition  Condition `json:"condition"`
	Humidity   string    `json:"humidity"`
	WindKph    string    `json:"wind_kph"`
	WindMph    string    `json:"wind_mph"`
	PressureMb string    `json:"pressure_mb"`
	FeelsLikeC string    `json:"feelslike_c"`
	FeelsLikeF string    `json:"feelslike_f"`
	VisKm      string    `json:"vis_km"`
	VisMiles   string    `json:"vis_miles"`
	UV         string    `json:"uv"`
}

type Location struct {
	Name      string `json:"name"`
	LocalTime string `json:"localtime"`
}

type Day struct {
	Condition Condition `json:"condition"`
	MaxTempC  string    `json:"maxtemp_c"`
	MaxTempF  string    `json:"maxtemp_f"`
	MinTempC  string    `json:"mintemp_c"`
	MinTempF  string    `json:"mintemp_f"`
}

type Astro struct {
	Sunrise string `json:"sunrise"`
	Sunset  string `json:"sunset"`
}

type Hour struct {
	Time      string    `json:"time"`
	TempC     string    `json:"temp_c"`
	TempF     string    `json:"temp_f"`
	Condition Condition `json:"condition"`
}

type ForecastDay struct {
	Date  string `json:"date"`
	Day   Day    `json:"day"`
	Astro Astro  `json:"astro"`
	Hour  []Hour `json:"hour"`
}

type Forecast struct {
	ForecastDay []ForecastDay `json:"forecastday"`
}

// Document is the placeholder weather payload served when neither the
// network nor a usable cache entry can answer an API request.
type Document struct {
	Current  Current  `json:"current"`
	Location Location `json:"location"`
	Forecast Forecast `json:"forecast"`
}

// NewDocument builds the placeholder anchored at now: one forecast day and 24
// hourly slots starting at now.
func NewDocument(now time.Time) Document {
	now = now.UTC()
	hourly := make([]Hour, hours)
	for i := range hourly {
		hourly[i] = Hour{
			Time:      now.Add(time.Duration(i) * time.Hour).Format(isoLayout),
			TempC:     Placeholder,
			TempF:     Placeholder,
			Condition: Condition{Text: "Offline"},
		}
	}
	return Document{
		Current: Current{
			TempC:      Placeholder,
			TempF:      Placeholder,
			Condition:  Condition{Text: "Weather data unavailable offline"},
			Humidity:   Placeholder,
			WindKph:    Placeholder,
			WindMph:    Placeholder,
			PressureMb: Placeholder,
			FeelsLikeC: Placeholder,
			FeelsLikeF: Placeholder,
			VisKm:      Placeholder,
			VisMiles:   Placeholder,
			UV:         Placeholder,
		},
		Location: Location{
			Name:      LocationName,
			LocalTime: now.Format(isoLayout),
		},
		Forecast: Forecast{ForecastDay: []ForecastDay{{
			Date: now.Format(time.DateOnly),
			Day: Day{
				Condition: Condition{Text: "No data available"},
				MaxTempC:  Placeholder,
				MaxTempF:  Placeholder,
				MinTempC:  Placeholder,
				MinTempF:  Placeholder,
			},
			Astro: Astro{Sunrise: Placeholder, Sunset: Placeholder},
			Hour:  hourly,
		}}},
	}
}

// Response synthesizes the offline API response for req at now. It is never cached.
func Response(req *http.Request, now time.Time) *http.Response {
	// Marshalling a struct of strings cannot fail.
	body, _ := json.Marshal(NewDocument(now))
	header := make(http.Header, 2)
	header.Set("Content-Type", "application/json")
	header.Set(HeaderName, "true")
	return &http.Response{
		Status:        strconv.Itoa(http.StatusOK) + " " + StatusText,
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// IsOffline reports whether resp was synthesized by Response.
func IsOffline(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(HeaderName) == "true"
}
