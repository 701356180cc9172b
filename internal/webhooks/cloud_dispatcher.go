package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksDispatcher delivers webhooks through a Cloud Tasks queue for
// at-least-once delivery with queue-level retry and dead-lettering. The
// direct Dispatcher remains the fallback when enqueueing fails.
type CloudTasksDispatcher struct {
	client    *cloudtasks.Client
	queuePath string
	url       string
	secret    string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudTasksDispatcher connects to the queue
// (projects/P/locations/L/queues/Q). fallback may be nil.
func NewCloudTasksDispatcher(queuePath, url, secret string, fallback *Dispatcher) (*CloudTasksDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhooks: cloudtasks client: %w", err)
	}

	d := &CloudTasksDispatcher{
		client:    client,
		queuePath: queuePath,
		url:       url,
		secret:    secret,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}
	d.logger.Printf("connected to queue %s", queuePath)
	return d, nil
}

// NotifyTaskCreated enqueues one HTTP task for the notification. Enqueue
// runs off the hot path; on failure delivery falls back to the direct
// dispatcher when one exists.
func (d *CloudTasksDispatcher) NotifyTaskCreated(n TaskNotification) {
	if d.url == "" {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Printf("marshal failed for task %s: %v", n.TaskID, err)
		return
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if d.secret != "" {
		headers[SignatureHeader] = SignPayload(payload, d.secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        d.url,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := d.client.CreateTask(ctx, req); err != nil {
			d.logger.Printf("enqueue failed for task %s: %v", n.TaskID, err)
			if d.fallback != nil {
				d.fallback.NotifyTaskCreated(n)
			}
		}
	}()
}

// Shutdown closes the client and the fallback pool.
func (d *CloudTasksDispatcher) Shutdown() {
	if d.fallback != nil {
		d.fallback.Shutdown()
	}
	if err := d.client.Close(); err != nil {
		d.logger.Printf("client close error: %v", err)
	}
}

var _ Notifier = (*CloudTasksDispatcher)(nil)
