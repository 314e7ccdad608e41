package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func errNodeNotFound(nodeID string) *DomainError {
	return domainError(http.StatusNotFound, "NODE_NOT_FOUND", "map version not found", map[string]any{"nodeId": nodeID})
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func errInvalidStyle(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_STYLE", message, nil)
}

func errDuplicateRoot(projectID string) *DomainError {
	return domainError(http.StatusConflict, "DUPLICATE_ROOT", "project already has a root version", map[string]any{"projectId": projectID})
}

func errDuplicateLayer(layerID string) *DomainError {
	return domainError(http.StatusConflict, "DUPLICATE_LAYER", "layer already exists in this version", map[string]any{"layerId": layerID})
}

func errLayerNotBound(layerID string) *DomainError {
	return domainError(http.StatusConflict, "LAYER_NOT_BOUND", "layer is not part of this version", map[string]any{"layerId": layerID})
}

func errCrossProjectDiff(targetID, baselineID string) *DomainError {
	return domainError(http.StatusBadRequest, "CROSS_PROJECT_DIFF", "versions belong to different projects",
		map[string]any{"targetId": targetID, "baselineId": baselineID})
}
