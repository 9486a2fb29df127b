package sources

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealth_DisablesAfterConsecutiveAuthErrors(t *testing.T) {
	h := NewHealth("sentiment", 3)

	h.RecordError(NewAuthError("sentiment", "key revoked"))
	h.RecordError(NewAuthError("sentiment", "key revoked"))
	assert.False(t, h.Disabled())

	h.RecordError(NewAuthError("sentiment", "key revoked"))
	assert.True(t, h.Disabled())
}

func TestHealth_SuccessResetsAuthStreak(t *testing.T) {
	h := NewHealth("momentum", 3)

	h.RecordError(NewAuthError("momentum", "401"))
	h.RecordError(NewAuthError("momentum", "401"))
	h.RecordSuccess(10 * time.Millisecond)
	h.RecordError(NewAuthError("momentum", "401"))
	h.RecordError(NewAuthError("momentum", "401"))

	assert.False(t, h.Disabled(), "streak restarts after a success")
}

func TestHealth_TransientErrorsNeverDisable(t *testing.T) {
	h := NewHealth("meanrev", 3)

	for i := 0; i < 10; i++ {
		h.RecordError(NewTransientError("meanrev", "flaky", errors.New("eof")))
	}
	assert.False(t, h.Disabled())
}
