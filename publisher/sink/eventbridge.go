package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/maxpert/shardrelay/cfg"
	"github.com/maxpert/shardrelay/publisher"
)

// PutEvents accepts at most 10 entries per call
const eventBridgeMaxEntries = 10

// errNotAttempted marks entries skipped after an earlier chunk failed
var errNotAttempted = errors.New("not submitted, an earlier entry failed")

func init() {
	publisher.RegisterSink("eventbridge", func(config cfg.BusConfiguration) (publisher.Sink, error) {
		return NewEventBridgeSinkFromConfig(context.Background(), config.Name, config.Region, config.Endpoint)
	})
}

// PutEventsAPI is the subset of the EventBridge client used by the sink
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink puts entries on an EventBridge bus
type EventBridgeSink struct {
	client  PutEventsAPI
	busName string
}

// NewEventBridgeSink creates a sink from an existing client
func NewEventBridgeSink(client PutEventsAPI, busName string) (*EventBridgeSink, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbridge sink requires a client")
	}
	if busName == "" {
		return nil, fmt.Errorf("eventbridge sink requires a bus name")
	}
	return &EventBridgeSink{client: client, busName: busName}, nil
}

// NewEventBridgeSinkFromConfig builds the client from the default AWS
// credential chain
func NewEventBridgeSinkFromConfig(ctx context.Context, busName, region, endpoint string) (*EventBridgeSink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewEventBridgeSink(client, busName)
}

// Submit sends entries in chunks of 10. A failing chunk stops the submission;
// the entries after it are reported as not attempted.
func (s *EventBridgeSink) Submit(ctx context.Context, entries []publisher.Entry) ([]error, error) {
	results := make([]error, len(entries))

	for start := 0; start < len(entries); start += eventBridgeMaxEntries {
		end := min(start+eventBridgeMaxEntries, len(entries))
		chunk := entries[start:end]

		in := &eventbridge.PutEventsInput{Entries: make([]types.PutEventsRequestEntry, len(chunk))}
		for i, e := range chunk {
			in.Entries[i] = types.PutEventsRequestEntry{
				EventBusName: aws.String(s.busName),
				Source:       aws.String(e.Source),
				DetailType:   aws.String(e.DetailType),
				Detail:       aws.String(string(e.Detail)),
			}
			if !e.Time.IsZero() {
				in.Entries[i].Time = aws.Time(e.Time)
			}
		}

		out, err := s.client.PutEvents(ctx, in)
		if err != nil {
			if start == 0 {
				return nil, fmt.Errorf("failed to put events on %s: %w", s.busName, err)
			}
			markRemaining(results, start, fmt.Errorf("failed to put events on %s: %w", s.busName, err))
			return results, nil
		}

		failed := false
		for i := range chunk {
			if i >= len(out.Entries) {
				results[start+i] = fmt.Errorf("eventbridge returned no result for entry")
				failed = true
				continue
			}
			if code := aws.ToString(out.Entries[i].ErrorCode); code != "" {
				results[start+i] = fmt.Errorf("eventbridge rejected entry: %s: %s", code, aws.ToString(out.Entries[i].ErrorMessage))
				failed = true
			}
		}
		if failed {
			markRemaining(results, end, errNotAttempted)
			return results, nil
		}
	}

	return results, nil
}

func markRemaining(results []error, from int, err error) {
	for i := from; i < len(results); i++ {
		results[i] = err
	}
}

// Close is a no-op; the AWS client holds no long-lived connections to release
func (s *EventBridgeSink) Close() error {
	return nil
}
