package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"urbanlens/libs/geocode"
	"urbanlens/libs/imagecache"
	"urbanlens/libs/intake"
	"urbanlens/libs/issues"
	"urbanlens/libs/listview"
	"urbanlens/libs/locassign"
	"urbanlens/libs/mailer"
	"urbanlens/libs/remote"
	"urbanlens/libs/store"
)

var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{store.ErrNotAdmin, http.StatusForbidden, "forbidden"},
	{store.ErrAuthRequired, http.StatusUnauthorized, "unauthorized"},
	{store.ErrConfirmationRequired, http.StatusBadRequest, "confirmation_required"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{store.ErrImageNotFound, http.StatusNotFound, "not_found"},
	{store.ErrNotPersisted, http.StatusConflict, "not_persisted"},
	{store.ErrLocationRequired, http.StatusUnprocessableEntity, "invalid_location"},
	{issues.ErrInvalidCoordinates, http.StatusUnprocessableEntity, "invalid_location"},
	{issues.ErrEmptyID, http.StatusBadRequest, "invalid_id"},
	{locassign.ErrOutOfBounds, http.StatusUnprocessableEntity, "out_of_bounds"},
	{locassign.ErrNoLocation, http.StatusUnprocessableEntity, "location_required"},
	{locassign.ErrNotFound, http.StatusNotFound, "location_not_found"},
	{locassign.ErrNotOpen, http.StatusConflict, "no_draft"},
	{locassign.ErrEmptyQuery, http.StatusBadRequest, "invalid_query"},
	{listview.ErrUnknownSortKey, http.StatusBadRequest, "invalid_sort"},
	{intake.ErrNoFiles, http.StatusBadRequest, "no_files"},
	{intake.ErrNoImages, http.StatusBadRequest, "no_images"},
	{intake.ErrInvalidArchive, http.StatusBadRequest, "invalid_archive"},
	{intake.ErrInvalidPaste, http.StatusBadRequest, "invalid_paste"},
	{intake.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"},
	{imagecache.ErrTooLarge, http.StatusBadGateway, "image_too_large"},
	{imagecache.ErrNotImage, http.StatusBadGateway, "not_an_image"},
	{imagecache.ErrUnsupported, http.StatusBadRequest, "unsupported_source"},
	{imagecache.ErrSourceForbidden, http.StatusForbidden, "forbidden_source"},
	{mailer.ErrNoRecipients, http.StatusServiceUnavailable, "forwarding_disabled"},
	{remote.ErrNoToken, http.StatusBadGateway, "upstream_malformed"},
	{geocode.ErrSuperseded, http.StatusConflict, "superseded"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// toAPIError maps library errors onto the HTTP error taxonomy. Errors it
// does not know are returned unchanged and rendered as internal errors.
func toAPIError(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			return &apiError{Status: e.status, Code: e.code, Message: err.Error()}
		}
	}

	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		switch remoteErr.Kind {
		case remote.KindServer:
			// Client errors from the service (bad credentials, forbidden)
			// keep their status; anything else is an upstream failure.
			if remoteErr.Status >= 400 && remoteErr.Status < 500 {
				return &apiError{Status: remoteErr.Status, Code: "remote_rejected", Message: remoteErr.Error()}
			}
			return &apiError{Status: http.StatusBadGateway, Code: "upstream_error", Message: remoteErr.Error()}
		case remote.KindNetwork:
			return &apiError{Status: http.StatusBadGateway, Code: "upstream_unavailable", Message: remoteErr.Error()}
		case remote.KindMalformed:
			return &apiError{Status: http.StatusBadGateway, Code: "upstream_malformed", Message: remoteErr.Error()}
		}
	}
	return err
}

func badRequest(message string) error {
	return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: message}
}

func respondError(c *gin.Context, err error) {
	writeAPIError(c, toAPIError(err))
}
