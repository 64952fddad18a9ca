package r2s3

import (
	"fmt"
	"os"
	"strings"
)

// FromEnv builds a client from <prefix>_ENDPOINT, <prefix>_BUCKET,
// <prefix>_ACCESS_KEY_ID and <prefix>_SECRET_ACCESS_KEY. It returns a nil
// client when none of them is set and an error when only some are.
// keyPrefix is <prefix>_PREFIX.
func FromEnv(prefix string) (client *Client, keyPrefix string, err error) {
	get := func(name string) string { return strings.TrimSpace(os.Getenv(prefix + "_" + name)) }
	endpoint, bucket := get("ENDPOINT"), get("BUCKET")
	accessKeyID, secretAccessKey := get("ACCESS_KEY_ID"), get("SECRET_ACCESS_KEY")
	keyPrefix = get("PREFIX")

	if endpoint == "" && bucket == "" && accessKeyID == "" && secretAccessKey == "" {
		return nil, keyPrefix, nil
	}
	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, "", fmt.Errorf("%[1]s_ENDPOINT/%[1]s_BUCKET/%[1]s_ACCESS_KEY_ID/%[1]s_SECRET_ACCESS_KEY are not fully set", prefix)
	}
	client, err = New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, "", err
	}
	return client, keyPrefix, nil
}
