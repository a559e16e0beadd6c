// Package ids synthesizes stable observation ids for records the wire
// format did not already assign one (spec §4.3 step 1).
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// New synthesizes an id of the form "{type}--{uuid}_{index}" for the
// index'th record of scoType within one shredder call.
func New(scoType string, index int) string {
	return fmt.Sprintf("%s--%s_%d", scoType, uuid.NewString(), index)
}
