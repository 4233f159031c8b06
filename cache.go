package summarizer

import (
	"crypto/md5"
	"encoding/hex"
)

type Cache interface {
	Get(key string) *string
	Set(key string, value string)
}

type NoCache struct{}

func (c NoCache) Get(key string) *string {
	return nil
}

func (c NoCache) Set(key string, value string) {
}

func GetMD5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}
