// Package translate converts raw change records into domain change events.
package translate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/shardrelay/changelog"
)

// ErrFiltered is returned for a record the filter excludes. Filtered records
// are not published but still count as handled for checkpointing.
var ErrFiltered = errors.New("record filtered")

const (
	DefaultSource     = "myorg.entity-x"
	DefaultDetailType = "Entity Change"
)

// Translator maps raw records to domain events. It is stateless and safe for
// concurrent use.
type Translator struct {
	source     string
	detailType string
	filter     Filter
}

// New creates a translator. filter may be nil to relay every record.
func New(source, detailType string, filter Filter) *Translator {
	if source == "" {
		source = DefaultSource
	}
	if detailType == "" {
		detailType = DefaultDetailType
	}
	return &Translator{
		source:     source,
		detailType: detailType,
		filter:     filter,
	}
}

// Translate builds the domain event for a record read from shardID.
// curr is the new image on CREATE and UPDATE, prev the old image on UPDATE and
// DELETE. A record missing an image its kind requires, or carrying a number
// that is not a valid decimal literal, fails with changelog.ErrMalformedRecord.
func (t *Translator) Translate(shardID string, rec changelog.RawChangeRecord) (changelog.ChangeEvent, error) {
	if err := validate(rec); err != nil {
		return changelog.ChangeEvent{}, err
	}

	if t.filter != nil && !t.filter.Match(recordKey(rec), rec.Kind) {
		return changelog.ChangeEvent{}, ErrFiltered
	}

	ev := changelog.ChangeEvent{
		Source:              t.source,
		Type:                t.detailType,
		IdempotencyKey:      changelog.IdempotencyKey(shardID, rec.SequenceNumber),
		ShardID:             shardID,
		SequenceNumber:      rec.SequenceNumber,
		Kind:                rec.Kind,
		Keys:                rec.Keys,
		ApproximateCreation: rec.ApproximateCreation,
	}

	switch rec.Kind {
	case changelog.EventCreate:
		ev.Curr = rec.NewImage
	case changelog.EventUpdate:
		ev.Prev = rec.OldImage
		ev.Curr = rec.NewImage
	case changelog.EventDelete:
		ev.Prev = rec.OldImage
	}
	return ev, nil
}

func validate(rec changelog.RawChangeRecord) error {
	if rec.SequenceNumber == "" {
		return fmt.Errorf("%w: missing sequence number", changelog.ErrMalformedRecord)
	}

	var missing []string
	switch rec.Kind {
	case changelog.EventCreate:
		if rec.NewImage == nil {
			missing = append(missing, "new image")
		}
	case changelog.EventUpdate:
		if rec.OldImage == nil {
			missing = append(missing, "old image")
		}
		if rec.NewImage == nil {
			missing = append(missing, "new image")
		}
	case changelog.EventDelete:
		if rec.OldImage == nil {
			missing = append(missing, "old image")
		}
	default:
		return fmt.Errorf("%w: unknown event kind at %s", changelog.ErrMalformedRecord, rec.SequenceNumber)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s record %s has no %s", changelog.ErrMalformedRecord, rec.Kind, rec.SequenceNumber, strings.Join(missing, " and "))
	}

	published := []changelog.Image{rec.Keys, rec.OldImage, rec.NewImage}
	if rec.Kind == changelog.EventDelete {
		published = published[:2]
	}
	for _, img := range published {
		if err := img.CheckNumbers(); err != nil {
			return fmt.Errorf("%w: record %s: %w", changelog.ErrMalformedRecord, rec.SequenceNumber, err)
		}
	}
	return nil
}

// recordKey renders the key attributes, falling back to the image when the
// log does not report keys separately
func recordKey(rec changelog.RawChangeRecord) string {
	if len(rec.Keys) > 0 {
		return rec.Keys.KeyString()
	}
	if rec.NewImage != nil {
		if id, ok := rec.NewImage["id"]; ok {
			return changelog.Image{"id": id}.KeyString()
		}
	}
	if rec.OldImage != nil {
		if id, ok := rec.OldImage["id"]; ok {
			return changelog.Image{"id": id}.KeyString()
		}
	}
	return ""
}
