package job

import (
	"bytes"
	"encoding/json"

	"github.com/target/review-pulse/internal/domain/model"
)

// CanApply reports whether next may be written over current. A move is
// accepted when it goes forward along Pending < Processing < {Completed,
// Failed}. A same-status write is accepted only when it carries a terminal
// payload identical to the stored one, so a retried terminal write can
// complete while a terminal job never changes.
func CanApply(current *model.Job, next model.StatusUpdate) bool {
	if current == nil {
		return false
	}
	cr, nr := current.Status.Rank(), next.Status.Rank()
	if cr < 0 || nr < 0 {
		return false
	}
	if nr > cr {
		return true
	}
	return next.Status == current.Status && next.DataBearing() && SamePayload(current, next)
}

// SamePayload reports whether upd repeats the result, error and artifact ref
// stored on j. Payloads compare by their JSON encoding, as the store does.
func SamePayload(j *model.Job, upd model.StatusUpdate) bool {
	return sameJSON(j.Result, upd.Result) &&
		sameJSON(j.Error, upd.Error) &&
		sameRef(j.ResultArtifactRef, upd.ArtifactRef)
}

func sameJSON[T any](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	return aerr == nil && berr == nil && bytes.Equal(ab, bb)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
