// Package enrich looks up instance details and the acting principal for a state change.
// Every lookup is best-effort: callers render placeholders for anything that fails.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/ec2-state-notifier/internal/ec2event"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// EC2API is the subset of the EC2 client used for instance lookups.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// CloudTrailAPI is the subset of the CloudTrail client used for actor lookups.
type CloudTrailAPI interface {
	LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

// ErrInstanceNotFound is returned when DescribeInstances has no match.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrNoTrailEvent is returned when no CloudTrail record references the instance.
var ErrNoTrailEvent = errors.New("no matching cloudtrail event")

// trailEventNames maps states to the API calls that cause them.
var trailEventNames = map[ec2event.State][]string{
	ec2event.StateRunning:    {"RunInstances", "StartInstances"},
	ec2event.StateStopping:   {"StopInstances"},
	ec2event.StateStopped:    {"StopInstances"},
	ec2event.StateTerminated: {"TerminateInstances"},
}

type timingConfig struct {
	lookback          time.Duration
	pageSize          int32
	maxPages          int
	rateInterval      time.Duration
	rateBurst         int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMaxElapsed time.Duration
}

// CloudTrail LookupEvents allows 2 requests per second per account and region.
var defaultTiming = timingConfig{
	lookback:          7 * 24 * time.Hour,
	pageSize:          50,
	maxPages:          3,
	rateInterval:      500 * time.Millisecond,
	rateBurst:         1,
	backoffInitial:    200 * time.Millisecond,
	backoffMax:        2 * time.Second,
	backoffMaxElapsed: 5 * time.Second,
}

// Enricher resolves instance details and actors.
type Enricher struct {
	logger  zerolog.Logger
	ec2     EC2API
	trail   CloudTrailAPI
	timing  timingConfig
	limiter *rate.Limiter
	now     func() time.Time
}

// Option customizes Enricher behavior.
type Option func(*Enricher)

// WithLookback sets how far back CloudTrail is searched.
func WithLookback(lookback time.Duration) Option {
	return func(e *Enricher) {
		if lookback > 0 {
			e.timing.lookback = lookback
		}
	}
}

// WithPaging overrides the CloudTrail page size and page cap.
func WithPaging(pageSize int32, maxPages int) Option {
	return func(e *Enricher) {
		if pageSize > 0 {
			e.timing.pageSize = pageSize
		}
		if maxPages > 0 {
			e.timing.maxPages = maxPages
		}
	}
}

// WithTiming overrides pacing and retry parameters (primarily for testing).
func WithTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) Option {
	return func(e *Enricher) {
		e.timing.rateInterval = rateInterval
		e.timing.rateBurst = rateBurst
		e.timing.backoffInitial = backoffInitial
		e.timing.backoffMax = backoffMax
		e.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// WithClock overrides the time source used for the lookback window.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) {
		e.now = now
	}
}

// New builds an Enricher. Either client may be nil to skip that lookup.
func New(logger zerolog.Logger, ec2Client EC2API, trailClient CloudTrailAPI, opts ...Option) *Enricher {
	e := &Enricher{
		logger: logger,
		ec2:    ec2Client,
		trail:  trailClient,
		timing: defaultTiming,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limiter = rate.NewLimiter(rate.Every(e.timing.rateInterval), e.timing.rateBurst)
	return e
}

// Lookup runs both lookups. The returned error joins any individual failures; the Result still
// carries whatever succeeded.
func (e *Enricher) Lookup(ctx context.Context, event ec2event.StateChangeEvent) (Result, error) {
	var result Result
	var errs []error

	if e.ec2 != nil {
		instance, err := e.Instance(ctx, event.Region, event.InstanceID)
		if err != nil {
			errs = append(errs, &LookupError{Source: SourceEC2, Err: err})
		} else {
			result.Instance = instance
		}
	}

	if e.trail != nil {
		actor, err := e.Actor(ctx, event.Region, event.InstanceID, event.State)
		if err != nil {
			errs = append(errs, &LookupError{Source: SourceCloudTrail, Err: err})
		} else {
			result.Actor = actor
		}
	}

	return result, errors.Join(errs...)
}

// Instance describes the instance and its root EBS volume. A non-empty region overrides the
// client's region.
func (e *Enricher) Instance(ctx context.Context, region, instanceID string) (*Instance, error) {
	out, err := e.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, ec2Region(region)...)
	if err != nil {
		return nil, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("describe instance %s: %w", instanceID, ErrInstanceNotFound)
	}
	raw := out.Reservations[0].Instances[0]

	instance := &Instance{
		InstanceType: string(raw.InstanceType),
		Tags:         make(map[string]string, len(raw.Tags)),
	}
	for _, tag := range raw.Tags {
		instance.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	instance.Name = instance.Tags["Name"]

	rootDevice := aws.ToString(raw.RootDeviceName)
	volumeID := ""
	for _, mapping := range raw.BlockDeviceMappings {
		if aws.ToString(mapping.DeviceName) == rootDevice && mapping.Ebs != nil {
			volumeID = aws.ToString(mapping.Ebs.VolumeId)
			break
		}
	}
	if volumeID == "" {
		// Terminated instances have already released their volumes.
		return instance, nil
	}

	volumes, err := e.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	}, ec2Region(region)...)
	if err != nil {
		e.logger.Debug().Err(err).Str("volume_id", volumeID).Msg("describe root volume failed")
		return instance, nil
	}
	if len(volumes.Volumes) > 0 {
		instance.VolumeSizeGiB = aws.ToInt32(volumes.Volumes[0].Size)
		instance.VolumeType = string(volumes.Volumes[0].VolumeType)
	}
	return instance, nil
}

// Actor finds the CloudTrail record for the API call that caused the state change.
func (e *Enricher) Actor(ctx context.Context, region, instanceID string, state ec2event.State) (*Actor, error) {
	names, ok := trailEventNames[state]
	if !ok {
		return nil, fmt.Errorf("state %q: %w", state, ErrNoTrailEvent)
	}

	end := e.now().UTC()
	start := end.Add(-e.timing.lookback)

	for _, name := range names {
		actor, err := e.searchEventName(ctx, region, name, instanceID, start, end)
		if err != nil {
			return nil, err
		}
		if actor != nil {
			return actor, nil
		}
	}
	return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNoTrailEvent)
}

func (e *Enricher) searchEventName(ctx context.Context, region, eventName, instanceID string, start, end time.Time) (*Actor, error) {
	var nextToken *string
	for page := 0; page < e.timing.maxPages; page++ {
		input := &cloudtrail.LookupEventsInput{
			LookupAttributes: []cttypes.LookupAttribute{{
				AttributeKey:   cttypes.LookupAttributeKeyEventName,
				AttributeValue: aws.String(eventName),
			}},
			StartTime:  aws.Time(start),
			EndTime:    aws.Time(end),
			MaxResults: aws.Int32(e.timing.pageSize),
			NextToken:  nextToken,
		}

		out, err := e.lookupWithRetry(ctx, region, input)
		if err != nil {
			return nil, fmt.Errorf("lookup %s events: %w", eventName, err)
		}

		for _, record := range out.Events {
			actor, ok := matchRecord(record, instanceID)
			if ok {
				return actor, nil
			}
		}

		if aws.ToString(out.NextToken) == "" {
			return nil, nil
		}
		nextToken = out.NextToken
	}
	e.logger.Debug().
		Str("event_name", eventName).
		Int("pages", e.timing.maxPages).
		Msg("cloudtrail page cap reached")
	return nil, nil
}

func (e *Enricher) lookupWithRetry(ctx context.Context, region string, input *cloudtrail.LookupEventsInput) (*cloudtrail.LookupEventsOutput, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = e.timing.backoffInitial
	backoffCfg.MaxInterval = e.timing.backoffMax
	backoffCfg.MaxElapsedTime = e.timing.backoffMaxElapsed
	backoffCfg.Reset()

	var out *cloudtrail.LookupEventsOutput
	operation := func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		out, err = e.trail.LookupEvents(ctx, input, trailRegion(region)...)
		if err == nil {
			return nil
		}
		if isThrottle(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffCfg, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// Events can be forwarded from another region's bus, so lookups follow the event.
func ec2Region(region string) []func(*ec2.Options) {
	if region == "" {
		return nil
	}
	return []func(*ec2.Options){func(o *ec2.Options) { o.Region = region }}
}

func trailRegion(region string) []func(*cloudtrail.Options) {
	if region == "" {
		return nil
	}
	return []func(*cloudtrail.Options){func(o *cloudtrail.Options) { o.Region = region }}
}

func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "Throttling", "RequestLimitExceeded", "TooManyRequestsException":
		return true
	}
	return false
}

// trailRecord is the subset of a CloudTrail event body needed to attribute an action.
type trailRecord struct {
	UserIdentity struct {
		ARN      string `json:"arn"`
		UserName string `json:"userName"`
	} `json:"userIdentity"`
	ResponseElements struct {
		InstancesSet struct {
			Items []struct {
				InstanceID string `json:"instanceId"`
			} `json:"items"`
		} `json:"instancesSet"`
	} `json:"responseElements"`
}

func matchRecord(record cttypes.Event, instanceID string) (*Actor, bool) {
	body := aws.ToString(record.CloudTrailEvent)
	if body == "" {
		return nil, false
	}
	var parsed trailRecord
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, false
	}
	for _, item := range parsed.ResponseElements.InstancesSet.Items {
		if item.InstanceID != instanceID {
			continue
		}
		username := parsed.UserIdentity.UserName
		if username == "" {
			username = aws.ToString(record.Username)
		}
		if username == "" {
			username = "<role>"
		}
		return &Actor{
			Username: username,
			ARN:      parsed.UserIdentity.ARN,
			Time:     aws.ToTime(record.EventTime),
		}, true
	}
	return nil, false
}

// Lookup sources, used for error attribution and metrics labels.
const (
	SourceEC2        = "ec2"
	SourceCloudTrail = "cloudtrail"
)

// LookupError attributes an enrichment failure to its source.
type LookupError struct {
	Source string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s lookup: %v", e.Source, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// FailedSources lists the sources of every LookupError wrapped in err.
func FailedSources(err error) []string {
	if err == nil {
		return nil
	}
	var sources []string
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			sources = append(sources, FailedSources(inner)...)
		}
		return sources
	}
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		return []string{lookupErr.Source}
	}
	return nil
}
