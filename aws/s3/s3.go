// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when opening an object which does not exist.
var ErrNotFound = errors.New("s3 object not found")

// Scheme prefixes every S3 object URL.
const Scheme = "s3://"

// Client reads objects from S3.
type Client struct {
	api s3iface.S3API
}

// ClientOption is a functional option type for s3.Client.
type ClientOption func(c *clientConfig)

type clientConfig struct {
	region   string
	endpoint string
}

// OptClientRegion sets the AWS region of a Client.
func OptClientRegion(region string) ClientOption {
	return func(c *clientConfig) {
		c.region = region
	}
}

// OptClientEndpoint points a Client at an S3-compatible endpoint other than
// AWS.
func OptClientEndpoint(endpoint string) ClientOption {
	return func(c *clientConfig) {
		c.endpoint = endpoint
	}
}

// NewClient returns a Client with a new AWS session. Credentials are taken
// from the environment the usual AWS way.
func NewClient(opts ...ClientOption) (*Client, error) {
	conf := &clientConfig{region: "us-west-2"}
	for _, opt := range opts {
		opt(conf)
	}
	awsConf := &aws.Config{Region: aws.String(conf.region)}
	if conf.endpoint != "" {
		awsConf.Endpoint = aws.String(conf.endpoint)
		awsConf.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConf)
	if err != nil {
		return nil, errors.Wrap(err, "getting new session")
	}
	return &Client{api: s3.New(sess)}, nil
}

// NewClientAPI returns a Client over an existing S3 API implementation.
func NewClientAPI(api s3iface.S3API) *Client {
	return &Client{api: api}
}

// List returns every object in bucket whose key begins with prefix, in key
// order.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]*Object, error) {
	var objs []*Object
	err := c.api.ListObjectsPagesWithContext(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, last bool) bool {
		for _, o := range page.Contents {
			objs = append(objs, c.Object(bucket, aws.StringValue(o.Key)))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing objects in %s", bucket)
	}
	return objs, nil
}

// Object returns a handle on one object. The object is not fetched until
// Open is called.
func (c *Client) Object(bucket, key string) *Object {
	return &Object{api: c.api, Bucket: bucket, Key: key}
}

// Open returns a handle on the object named by an s3://bucket/key URL.
func (c *Client) Open(url string) (*Object, error) {
	bucket, key, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	return c.Object(bucket, key), nil
}

// Object is one S3 object. Each call to Open reads it from the beginning.
type Object struct {
	api    s3iface.S3API
	Bucket string
	Key    string
}

// Open fetches the object body.
func (o *Object) Open() (io.ReadCloser, error) {
	result, err := o.api.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(o.Bucket),
		Key:    aws.String(o.Key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.Wrapf(ErrNotFound, "fetching %v", o)
		}
		return nil, errors.Wrapf(err, "fetching %v", o)
	}
	return result.Body, nil
}

func (o *Object) String() string {
	return fmt.Sprintf("%s%s/%s", Scheme, o.Bucket, o.Key)
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, Scheme) {
		return "", "", errors.Errorf("not an s3 url: '%s'", url)
	}
	parts := strings.SplitN(strings.TrimPrefix(url, Scheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("s3 url needs a bucket and key: '%s'", url)
	}
	return parts[0], parts[1], nil
}
