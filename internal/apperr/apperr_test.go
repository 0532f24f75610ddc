package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsKind(t *testing.T) {
	err := fmt.Errorf("accept: %w", New(ErrRideNoLongerAvailable, "ride %s already taken", "r1"))
	require.ErrorIs(t, err, ErrRideNoLongerAvailable)

	ae := From(err)
	assert.Equal(t, "RideNoLongerAvailable", ae.Code())
	assert.Equal(t, http.StatusBadRequest, ae.HTTPStatus())
	assert.Contains(t, ae.Error(), "already taken")
}

func TestFromBareSentinel(t *testing.T) {
	ae := From(fmt.Errorf("lookup: %w", ErrRideNotFound))
	assert.Equal(t, http.StatusNotFound, ae.HTTPStatus())
	assert.Equal(t, "RideNotFound", ae.Code())
}

func TestFromUnknownIsInternal(t *testing.T) {
	ae := From(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, ae.HTTPStatus())
	assert.Equal(t, "InternalError", ae.Code())
}

func TestValidationCarriesFields(t *testing.T) {
	ae := Validation(map[string][]string{"pickup": {"required"}})
	assert.Equal(t, http.StatusBadRequest, ae.HTTPStatus())
	assert.Equal(t, []string{"required"}, ae.Fields["pickup"])
}
