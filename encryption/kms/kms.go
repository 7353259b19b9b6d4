package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/finch-technologies/queue-drain/adapters"
)

// KMSAPI is the subset of the kms client used here.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type KMSConfig struct {
	Region      string
	KeyId       string
	EndpointUrl string
}

// Cipher encrypts and decrypts base64 encoded configuration secrets.
type Cipher struct {
	client KMSAPI
	keyId  string
}

func New(ctx context.Context, cfg KMSConfig) (*Cipher, error) {
	// KMS itself must use the ambient credentials chain
	awsCfg, err := adapters.LoadAWSConfig(ctx, adapters.AwsOptions{Region: cfg.Region})
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS client: %w", err)
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointUrl)
		}
	})

	return NewWithClient(client, cfg.KeyId), nil
}

func NewWithClient(client KMSAPI, keyId string) *Cipher {
	return &Cipher{client: client, keyId: keyId}
}

func (c *Cipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if c.keyId == "" {
		return "", errors.New("kms key id is required to encrypt")
	}

	resp, err := c.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(c.keyId),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encrypt data: %w", err)
	}

	return base64.StdEncoding.EncodeToString(resp.CiphertextBlob), nil
}

// Decrypt lets KMS pick the key from the ciphertext metadata, so values
// encrypted under different keys can be decrypted by the same client.
func (c *Cipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to base64 decode ciphertext: %w", err)
	}

	resp, err := c.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt data: %w", err)
	}

	return string(resp.Plaintext), nil
}
