// Package awsconfig builds aws.Config values for the SES sender and the S3
// archive from one set of credential settings.
package awsconfig

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Settings selects the region and credential source.
type Settings struct {
	Region string

	// Static credentials
	AccessKey    string
	SecretKey    string
	SessionToken string

	// IAM role to assume through STS
	RoleARN         string
	RoleSessionName string
	ExternalID      string
}

// Load resolves an aws.Config. Static keys win over a role; with neither the
// default credential chain is used (env vars, shared config, instance or
// task roles, IRSA).
func Load(ctx context.Context, s Settings) (aws.Config, error) {
	region := s.Region
	if region == "" {
		region = "us-east-1"
	}
	optFns := []func(*config.LoadOptions) error{config.WithRegion(region)}

	switch {
	case s.AccessKey != "" && s.SecretKey != "":
		creds := credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, s.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case s.RoleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		optFns = append(optFns, config.WithCredentialsProvider(assumeRole(baseCfg, s)))
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

func assumeRole(cfg aws.Config, s Settings) aws.CredentialsProvider {
	stsClient := sts.NewFromConfig(cfg)
	return stscreds.NewAssumeRoleProvider(stsClient, s.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		if s.RoleSessionName != "" {
			o.RoleSessionName = s.RoleSessionName
		}
		if s.ExternalID != "" {
			o.ExternalID = aws.String(s.ExternalID)
		}
	})
}
