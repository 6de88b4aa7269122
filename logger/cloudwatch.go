package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const publishTimeout = 5 * time.Second

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to AWS_REGION. When the client
// cannot be created a warning is logged and publishing stays disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "FundingFlow"
	}
	if dashboard == "" {
		dashboard = namespace
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

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
		dashboard: dashboard,
	})

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

// PublishMetric sends a single datum with the component and string fields as dimensions.
func PublishMetric(component, metric string, value float64, fields Fields) {
	if cwState.Load() == nil {
		return
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	publishMetrics(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(value),
	}})
}

// publishMetrics is a no-op until InitCloudWatch succeeded.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := cwState.Load()
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithFields(Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard ensures a basic dashboard exists. Failures are logged only.
func CreateDefaultDashboard(ctx context.Context) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","SymbolCount"],
    ["%[1]s","RecordsAccepted"],
    ["%[1]s","RecordsRejected"],
    ["%[1]s","Connected"]
],
"period": 60,
"stat": "Maximum",
"title": "FundingFlow ingestion"
}
}]
}`, state.namespace)

	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
