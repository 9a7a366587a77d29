package dynamostreams

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/maxpert/shardrelay/changelog"
)

// toRawRecord converts a stream record. An unrecognised event name yields
// EventUnknown so the translator can classify the record as malformed
// instead of failing the whole fetch.
func toRawRecord(rec types.Record) (changelog.RawChangeRecord, error) {
	if rec.Dynamodb == nil || aws.ToString(rec.Dynamodb.SequenceNumber) == "" {
		return changelog.RawChangeRecord{}, fmt.Errorf("stream record %s has no sequence number", aws.ToString(rec.EventID))
	}

	kind, err := changelog.ParseEventKind(string(rec.EventName))
	if err != nil {
		kind = changelog.EventUnknown
	}

	raw := changelog.RawChangeRecord{
		SequenceNumber: aws.ToString(rec.Dynamodb.SequenceNumber),
		Kind:           kind,
		Keys:           toImage(rec.Dynamodb.Keys),
		OldImage:       toImage(rec.Dynamodb.OldImage),
		NewImage:       toImage(rec.Dynamodb.NewImage),
	}
	if rec.Dynamodb.ApproximateCreationDateTime != nil {
		raw.ApproximateCreation = *rec.Dynamodb.ApproximateCreationDateTime
	}
	return raw, nil
}

// toImage returns nil for an absent image so the translator can tell it apart
// from an empty one
func toImage(attrs map[string]types.AttributeValue) changelog.Image {
	if attrs == nil {
		return nil
	}
	img := make(changelog.Image, len(attrs))
	for name, av := range attrs {
		img[name] = toValue(av)
	}
	return img
}

func toValue(av types.AttributeValue) changelog.Value {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return changelog.String(v.Value)
	case *types.AttributeValueMemberN:
		return changelog.Number(v.Value)
	case *types.AttributeValueMemberB:
		return changelog.Binary(v.Value)
	case *types.AttributeValueMemberBOOL:
		return changelog.Bool(v.Value)
	case *types.AttributeValueMemberNULL:
		return changelog.Null()
	case *types.AttributeValueMemberL:
		items := make([]changelog.Value, len(v.Value))
		for i, item := range v.Value {
			items[i] = toValue(item)
		}
		return changelog.List(items...)
	case *types.AttributeValueMemberM:
		m := make(map[string]changelog.Value, len(v.Value))
		for k, item := range v.Value {
			m[k] = toValue(item)
		}
		return changelog.Map(m)
	case *types.AttributeValueMemberSS:
		return changelog.StringSet(v.Value...)
	case *types.AttributeValueMemberNS:
		return changelog.NumberSet(v.Value...)
	case *types.AttributeValueMemberBS:
		return changelog.BinarySet(v.Value...)
	default:
		return changelog.Null()
	}
}
