package services

import (
	"context"
	"fmt"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/tibelf/comfyui-proxy/internal/models"
)

// MetricsService writes task outcomes to InfluxDB as points
type MetricsService struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewMetricsService creates an InfluxDB-backed metrics service
func NewMetricsService(url, token, org, bucket string) (*MetricsService, error) {
	client := influxdb2.NewClient(url, token)

	health, err := client.Health(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		log.Printf("WARNING: InfluxDB health check returned status: %s", health.Status)
	}

	return &MetricsService{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		org:      org,
		bucket:   bucket,
	}, nil
}

// RecordTaskOutcome writes one point per finished task: terminal status,
// end-to-end duration, and the number of images delivered
func (s *MetricsService) RecordTaskOutcome(ctx context.Context, taskID string, status models.TaskStatus, duration time.Duration, imageCount int) error {
	point := influxdb2.NewPoint(
		"render_task",
		map[string]string{
			"status": string(status),
		},
		map[string]interface{}{
			"task_id":     taskID,
			"duration_ms": duration.Milliseconds(),
			"images":      imageCount,
		},
		time.Now(),
	)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write task metrics: %w", err)
	}
	return nil
}

// Close closes the InfluxDB client
func (s *MetricsService) Close() {
	s.client.Close()
}
