package internal

import (
	"spotthebot/internal/user"
)

type registerRequest struct {
	SecretName string `json:"secret_name"`
	PublicName string `json:"public_name"`
	Face       string `json:"face"`
	Invitation string `json:"invitation"`
}

type loginRequest struct {
	SecretName string `json:"secret_name"`
}

type resolveRequest struct {
	ClassifiedPositive bool     `json:"classified_positive"`
	ActuallyPositive   bool     `json:"actually_positive"`
	Points             int      `json:"points"`
	MaxPoints          int      `json:"max_points"`
	Markers            []string `json:"markers"`
}

type ratesResponse struct {
	Rates       user.Rates `json:"rates"`
	Precision   float64    `json:"precision"`
	Specificity float64    `json:"specificity"`
	Anger       float64    `json:"anger"`
	Sadness     float64    `json:"sadness"`
	Wins        int        `json:"wins"`
}

func newRatesResponse(r user.Rates) ratesResponse {
	return ratesResponse{
		Rates:       r,
		Precision:   r.Precision(),
		Specificity: r.Specificity(),
		Anger:       r.Anger(),
		Sadness:     r.Sadness(),
		Wins:        r.Wins(),
	}
}

type meResponse struct {
	user.User
	Stats ratesResponse `json:"stats"`
}
