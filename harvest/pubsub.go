package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
	"bitbucket.org/datafocusmx/renec_backend/utils"
)

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageId  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishHarvestRun queues a harvest request on the harvest topic so a
// worker replica picks it up via push subscription.
func PublishHarvestRun(ctx context.Context, req StartHarvestRequest) error {
	topicName := strings.TrimSpace(os.Getenv("HARVEST_TOPIC"))
	if topicName == "" {
		topicName = "renec-harvest"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("HARVEST_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(req)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts the push envelope and starts the requested
// harvest. Always acks: a run already in progress must not trigger
// redelivery.
func PubSubPushHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_HARVEST_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var req StartHarvestRequest
		if err := json.Unmarshal(envelope.Message.Data, &req); err != nil {
			c.Status(204)
			return
		}
		if req.Mode != ModeProbe && req.Mode != ModeHarvest {
			c.Status(204)
			return
		}

		ctx := utils.SetTriggeredByInContext(c.Request.Context(), models.SyncTriggeredSystem)
		if _, err := coordinator.StartHarvest(ctx, req); err != nil && !errors.Is(err, ErrHarvestRunning) {
			config.LogError(config.GetLogger(), "harvest", "PubSubPushHandler", req.Mode, nil, err)
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
