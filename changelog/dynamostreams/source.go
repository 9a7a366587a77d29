// Package dynamostreams reads a DynamoDB Streams change log through the
// changelog.Source interface.
package dynamostreams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/maxpert/shardrelay/changelog"
	"github.com/rs/zerolog/log"
)

// GetRecords accepts at most 1000 records per call
const maxGetRecordsLimit = 1000

// StreamsAPI is the subset of the DynamoDB Streams client used by Source
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// TablesAPI resolves a table name to its latest stream ARN
type TablesAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Options configures the AWS clients built by NewFromOptions
type Options struct {
	Region    string
	Endpoint  string // Custom endpoint (e.g. LocalStack)
	AccessKey string
	SecretKey string
}

// Source implements changelog.Source for DynamoDB Streams. A log id is either
// a stream ARN or a table name whose latest stream is used.
type Source struct {
	streams StreamsAPI
	tables  TablesAPI

	arnsMu sync.RWMutex
	arns   map[string]string
}

var _ changelog.Source = (*Source)(nil)

// New creates a Source from existing clients. tables may be nil when every
// log id is a stream ARN.
func New(streams StreamsAPI, tables TablesAPI) *Source {
	return &Source{
		streams: streams,
		tables:  tables,
		arns:    make(map[string]string),
	}
}

// NewFromOptions builds the AWS clients from the default credential chain,
// overridden by static credentials and a custom endpoint when given.
func NewFromOptions(ctx context.Context, opts Options) (*Source, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	streams := dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	tables := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return New(streams, tables), nil
}

// streamARN resolves a log id, caching table lookups
func (s *Source) streamARN(ctx context.Context, logID string) (string, error) {
	if strings.HasPrefix(logID, "arn:") {
		return logID, nil
	}

	s.arnsMu.RLock()
	arn, ok := s.arns[logID]
	s.arnsMu.RUnlock()
	if ok {
		return arn, nil
	}

	if s.tables == nil {
		return "", fmt.Errorf("%w: %s is not a stream ARN and no table client is configured", changelog.ErrTopologyUnavailable, logID)
	}

	out, err := s.tables.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(logID)})
	if err != nil {
		return "", fmt.Errorf("%w: describe table %s: %v", changelog.ErrTopologyUnavailable, logID, err)
	}
	if out.Table == nil || aws.ToString(out.Table.LatestStreamArn) == "" {
		return "", fmt.Errorf("%w: no stream enabled on table %s", changelog.ErrTopologyUnavailable, logID)
	}

	arn = aws.ToString(out.Table.LatestStreamArn)
	s.arnsMu.Lock()
	s.arns[logID] = arn
	s.arnsMu.Unlock()

	log.Info().Str("table", logID).Str("stream_arn", arn).Msg("Resolved table stream")
	return arn, nil
}

// ListShards implements changelog.Source, following DescribeStream pagination
func (s *Source) ListShards(ctx context.Context, logID string) ([]changelog.ShardDescriptor, error) {
	arn, err := s.streamARN(ctx, logID)
	if err != nil {
		return nil, err
	}

	var (
		shards    []changelog.ShardDescriptor
		startFrom *string
	)
	for {
		out, err := s.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(arn),
			ExclusiveStartShardId: startFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: describe stream %s: %v", changelog.ErrTopologyUnavailable, arn, err)
		}
		if out.StreamDescription == nil {
			return nil, fmt.Errorf("%w: empty stream description for %s", changelog.ErrTopologyUnavailable, arn)
		}

		for _, sh := range out.StreamDescription.Shards {
			shards = append(shards, toDescriptor(sh))
		}

		startFrom = out.StreamDescription.LastEvaluatedShardId
		if startFrom == nil {
			return shards, nil
		}
	}
}

// GetIterator implements changelog.Source
func (s *Source) GetIterator(ctx context.Context, logID, shardID string, hint changelog.StartHint) (string, error) {
	arn, err := s.streamARN(ctx, logID)
	if err != nil {
		return "", err
	}

	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(arn),
		ShardId:   aws.String(shardID),
	}
	switch hint.Position {
	case changelog.PositionTrimHorizon:
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case changelog.PositionLatest:
		in.ShardIteratorType = types.ShardIteratorTypeLatest
	case changelog.PositionAfter:
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.SequenceNumber = aws.String(hint.Sequence)
	default:
		return "", fmt.Errorf("unsupported start position %d", hint.Position)
	}

	out, err := s.streams.GetShardIterator(ctx, in)
	if err != nil {
		var trimmed *types.TrimmedDataAccessException
		if errors.As(err, &trimmed) && hint.Position == changelog.PositionAfter {
			// The checkpoint fell behind the retention window; the oldest
			// retained record is the earliest position still readable.
			log.Warn().
				Str("shard", shardID).
				Str("seq", hint.Sequence).
				Msg("Checkpoint is older than stream retention, restarting at trim horizon")
			return s.GetIterator(ctx, logID, shardID, changelog.TrimHorizon())
		}

		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s: %v", changelog.ErrShardNotFound, shardID, err)
		}
		return "", fmt.Errorf("%w: get shard iterator %s: %v", changelog.ErrTopologyUnavailable, shardID, err)
	}

	return aws.ToString(out.ShardIterator), nil
}

// GetRecords implements changelog.Source
func (s *Source) GetRecords(ctx context.Context, iterator string, limit int) (changelog.RecordBatch, error) {
	if limit <= 0 || limit > maxGetRecordsLimit {
		limit = maxGetRecordsLimit
	}

	out, err := s.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(iterator),
		Limit:         aws.Int32(int32(limit)),
	})
	if err != nil {
		var expired *types.ExpiredIteratorException
		var trimmed *types.TrimmedDataAccessException
		if errors.As(err, &expired) || errors.As(err, &trimmed) {
			return changelog.RecordBatch{}, fmt.Errorf("%w: %v", changelog.ErrIteratorExpired, err)
		}
		return changelog.RecordBatch{}, fmt.Errorf("get records: %w", err)
	}

	batch := changelog.RecordBatch{
		Records:      make([]changelog.RawChangeRecord, 0, len(out.Records)),
		NextIterator: aws.ToString(out.NextShardIterator),
	}
	for _, rec := range out.Records {
		raw, err := toRawRecord(rec)
		if err != nil {
			return changelog.RecordBatch{}, err
		}
		batch.Records = append(batch.Records, raw)
	}
	return batch, nil
}

func toDescriptor(sh types.Shard) changelog.ShardDescriptor {
	d := changelog.ShardDescriptor{
		ID:       aws.ToString(sh.ShardId),
		ParentID: aws.ToString(sh.ParentShardId),
	}
	if sh.SequenceNumberRange != nil {
		d.StartingSequence = aws.ToString(sh.SequenceNumberRange.StartingSequenceNumber)
		d.EndingSequence = aws.ToString(sh.SequenceNumberRange.EndingSequenceNumber)
	}
	return d
}
