package auth

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/engine"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("s3cret")
	want := engine.Caller{ID: "student-1", Role: engine.RoleStudent}

	token, err := iss.Issue(want, time.Hour)
	require.NoError(t, err)

	got, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParse_WrongSecret(t *testing.T) {
	token, err := NewIssuer("one").Issue(engine.Caller{ID: "a", Role: engine.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	_, err = NewIssuer("two").Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Expired(t *testing.T) {
	iss := NewIssuer("s3cret")
	base := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return base }

	token, err := iss.Issue(engine.Caller{ID: "tutor-1", Role: engine.RoleTutor}, time.Minute)
	require.NoError(t, err)

	iss.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = iss.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsUnknownRole(t *testing.T) {
	iss := NewIssuer("s3cret")
	token, err := iss.Issue(engine.Caller{ID: "x", Role: "superuser"}, time.Hour)
	require.NoError(t, err)

	_, err = iss.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsMissingSubject(t *testing.T) {
	iss := NewIssuer("s3cret")
	token, err := iss.Issue(engine.Caller{Role: engine.RoleStudent}, time.Hour)
	require.NoError(t, err)

	_, err = iss.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{Sub: "a", Role: string(engine.RoleAdmin)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = NewIssuer("s3cret").Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Garbage(t *testing.T) {
	_, err := NewIssuer("s3cret").Parse("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
