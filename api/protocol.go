package api

import "github.com/lucirlei/chathub360-kanban/domain"

const requestMaxSize = 256 * 1024 // 256 KiB

// validationResponse is the 422 envelope for rejected input.
type validationResponse struct {
	Errors domain.ValidationErrors `json:"errors"`
}

// errorResponse is the envelope for non-validation failures.
type errorResponse struct {
	Error string `json:"error"`
}
