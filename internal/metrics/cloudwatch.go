package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"quoteflow/logger"
)

const putTimeout = 5 * time.Second

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch initialises the CloudWatch client and registers a metric
// handler that publishes every emitted metric as a datum. When the AWS
// configuration cannot be loaded the function logs a warning and leaves
// publishing disabled; metric emission elsewhere is unaffected.
func InitCloudWatch(region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if namespace == "" {
		namespace = "QuoteFlow"
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwState.Store(&cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	})

	RegisterMetricHandler(publishToCloudWatch)
	log.WithFields(logger.Fields{"namespace": namespace, "region": cfg.Region}).Info("cloudwatch metrics enabled")
}

func publishToCloudWatch(m Metric) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Timestamp:  aws.Time(m.Timestamp),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(m.Value),
	}

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	_, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Debug("failed to publish metric")
	}
}
