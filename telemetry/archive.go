// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/thermolog/core/logger"
)

// objectUploader uploads one object to the archive bucket.
type objectUploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver moves expired readings out of the database. Readings older
// than the retention period are exported as one CSV object to S3 and
// then deleted, oldest first. Readings are deleted only after the export
// succeeded.
type Archiver struct {
	store     *Store
	uploader  objectUploader
	bucket    string
	keyPrefix string
	retention time.Duration
	interval  time.Duration
}

// ArchiverBuilder is a builder helper for the Archiver
type ArchiverBuilder struct {
	// Store is the reading store. This is mandatory.
	Store *Store
	// AWSBucketName is the S3 bucket for CSV archives. This is mandatory.
	AWSBucketName string
	// AWSRegion is the bucket's region. This is mandatory.
	AWSRegion string
	// AccessID and AccessKey are static AWS credentials.
	AccessID  string
	AccessKey string
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	// Retention is how long readings stay in the database. Default is 90 days.
	Retention time.Duration
	// Interval is how often the archiver sweeps. Default is 24 hours.
	Interval time.Duration
}

// NewArchiver returns a new archiver.
func NewArchiver(bb *ArchiverBuilder) (*Archiver, error) {
	if bb.Store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if bb.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	awsConfig, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(bb.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(bb.AccessID, bb.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}

	retention := bb.Retention
	if retention == 0 {
		retention = 90 * 24 * time.Hour
	}
	interval := bb.Interval
	if interval == 0 {
		interval = 24 * time.Hour
	}

	logger.Default().Debugln("S3 archiver enabled, bucket", bb.AWSBucketName)
	return &Archiver{
		store:     bb.Store,
		uploader:  s3.NewFromConfig(awsConfig),
		bucket:    bb.AWSBucketName,
		keyPrefix: bb.KeyPrefix,
		retention: retention,
		interval:  interval,
	}, nil
}

// Run sweeps on a ticker until the context is canceled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archived, deleted, err := a.Sweep(ctx)
			if err != nil {
				logger.Default().WithError(err).Errorln("archive sweep failed")
			} else if archived > 0 {
				logger.Default().Infoln("archived", archived, "readings, deleted", deleted)
			}
		}
	}
}

// Sweep exports all expired readings to S3 and deletes them. It returns
// the number of archived and deleted readings.
func (a *Archiver) Sweep(ctx context.Context) (int, int64, error) {
	cutoff := time.Now().UTC().Add(-a.retention)
	readings, err := a.store.Before(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if len(readings) == 0 {
		return 0, 0, nil
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	writer.Write([]string{"serial", "device_id", "mac_address", "temperature", "humidity", "timestamp"})
	for _, r := range readings {
		writer.Write([]string{
			strconv.Itoa(r.Serial),
			r.DeviceID,
			r.MACAddress,
			strconv.FormatFloat(r.Temperature, 'f', -1, 64),
			strconv.FormatFloat(r.Humidity, 'f', -1, 64),
			r.Timestamp.Format(DeviceTimeLayout),
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, 0, err
	}

	key := a.keyPrefix + "readings-" + cutoff.Format("20060102T150405") + ".csv"
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("cannot upload archive %s: %w", key, err)
	}
	logger.FromContext(ctx).Infoln("uploaded archive", key, "with", len(readings), "readings")

	deleted, err := a.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return len(readings), 0, err
	}
	return len(readings), deleted, nil
}
