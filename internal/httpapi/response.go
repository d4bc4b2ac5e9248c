package httpapi

import (
	"github.com/freeeve/lodterrain/internal/engine"
	"github.com/freeeve/lodterrain/internal/taskservice"
)

// TilesResponse is the JSON response for a tile listing.
type TilesResponse struct {
	Revision int               `json:"revision"`
	Count    int               `json:"count"`
	Tiles    []engine.TileInfo `json:"tiles"`
}

// ServicesResponse is the JSON response for the task service listing.
type ServicesResponse struct {
	TasksRemaining int                  `json:"tasks_remaining"`
	Services       []taskservice.Status `json:"services"`
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}
