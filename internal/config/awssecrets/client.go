// Package awssecrets fetches configuration secrets from AWS Secrets
// Manager, falling back to a plain environment variable when no ARN is
// configured — the shape every deployed-stage config value in this
// service goes through.
package awssecrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/logger"
)

// Client wraps the AWS Secrets Manager client.
type Client struct {
	svc *secretsmanager.Client
}

// NewClient builds a Client using the default AWS credential chain
// (environment, shared config, or IAM role).
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return &Client{svc: secretsmanager.NewFromConfig(cfg)}, nil
}

// GetSecretString fetches a secret named by the ARN held in the
// secretArnEnvVar environment variable. If that variable is unset, or the
// fetch fails, it falls back to reading fallbackEnvVar directly. A secret
// stored as single-key JSON has its lone value extracted; anything else
// is returned verbatim.
func (c *Client) GetSecretString(ctx context.Context, secretArnEnvVar, fallbackEnvVar string) (string, error) {
	secretArn := os.Getenv(secretArnEnvVar)

	if secretArn != "" {
		result, err := c.svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretArn),
		})
		if err == nil && result.SecretString != nil && *result.SecretString != "" {
			raw := *result.SecretString

			var asJSON map[string]string
			if jsonErr := json.Unmarshal([]byte(raw), &asJSON); jsonErr == nil && len(asJSON) == 1 {
				for key, value := range asJSON {
					logger.Info("fetched secret from secrets manager (single-key json)",
						zap.String("secret_arn", secretArn), zap.String("json_key", key))
					return value, nil
				}
			}
			logger.Info("fetched secret from secrets manager", zap.String("secret_arn", secretArn))
			return raw, nil
		}
		logger.Warn("failed to retrieve secret from secrets manager, falling back to env var",
			zap.String("arn_env_var", secretArnEnvVar), zap.String("fallback_env_var", fallbackEnvVar), zap.Error(err))
	}

	if v := os.Getenv(fallbackEnvVar); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("secret not found via ARN env var %q or fallback env var %q", secretArnEnvVar, fallbackEnvVar)
}
