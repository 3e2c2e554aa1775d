package strava

import "time"

// Athlete is the authenticated athlete as Strava reports it.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	City      string `json:"city"`
	Country   string `json:"country"`
	Profile   string `json:"profile"`
}

// Activity is one recorded activity. Distances are meters, times
// seconds, matching the Strava API.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	StartDate          time.Time `json:"start_date"`
	AverageSpeed       float64   `json:"average_speed"`
	MaxSpeed           float64   `json:"max_speed"`
	Map                struct {
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`
}

// StreamSet holds the per-sample streams of one activity, keyed by
// type as returned with key_by_type=true.
type StreamSet struct {
	Latlng   *CoordStream `json:"latlng,omitempty"`
	Distance *FloatStream `json:"distance,omitempty"`
	Time     *FloatStream `json:"time,omitempty"`
	Altitude *FloatStream `json:"altitude,omitempty"`
}

// FloatStream is a scalar sample series.
type FloatStream struct {
	Data []float64 `json:"data"`
}

// CoordStream is a lat/lng sample series.
type CoordStream struct {
	Data [][2]float64 `json:"data"`
}
