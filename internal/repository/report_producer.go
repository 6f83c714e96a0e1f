package repository

import (
	"context"
	"fmt"

	"ConflictCast/internal/domain/models"
	pkgkafka "ConflictCast/pkg/kafka"
)

// Default report topics.
const (
	TopicForecasts = "conflictcast.forecasts"
	TopicMetrics   = "conflictcast.model_metrics"
)

// KafkaReportSink publishes finished forecasts and scorecards to the report
// layer. Messages are keyed by location so per-location ordering holds
// within a partition.
type KafkaReportSink struct {
	producer      *pkgkafka.Producer
	forecastTopic string
	metricsTopic  string
}

func NewKafkaReportSink(producer *pkgkafka.Producer, forecastTopic, metricsTopic string) *KafkaReportSink {
	if forecastTopic == "" {
		forecastTopic = TopicForecasts
	}
	if metricsTopic == "" {
		metricsTopic = TopicMetrics
	}
	return &KafkaReportSink{
		producer:      producer,
		forecastTopic: forecastTopic,
		metricsTopic:  metricsTopic,
	}
}

func (s *KafkaReportSink) SubmitForecast(ctx context.Context, res *models.ForecastResult) error {
	if res == nil {
		return fmt.Errorf("forecast result is nil")
	}
	key := []byte(res.Request.Location)
	if err := s.producer.Publish(ctx, s.forecastTopic, key, res); err != nil {
		return fmt.Errorf("publish forecast: %w", err)
	}
	return nil
}

func (s *KafkaReportSink) SubmitMetrics(ctx context.Context, metrics []models.ModelMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(metrics))
	for _, m := range metrics {
		msgs = append(msgs, pkgkafka.Message{Key: []byte(m.Location), Value: m})
	}
	if err := s.producer.PublishBatch(ctx, s.metricsTopic, msgs); err != nil {
		return fmt.Errorf("publish metrics: %w", err)
	}
	return nil
}

func (s *KafkaReportSink) Close() error {
	return s.producer.Close()
}
