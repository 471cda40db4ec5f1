//go:build wasip1

// Command counter is a sample plugin. Build and package it with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o plugin.wasm .
//	trustgate pack -key release.key . counter.zip
package main

import (
	"strconv"

	"trustgate/pkg/pluginsdk"
)

func init() {
	mux := pluginsdk.NewMux()
	mux.Handle("incr", incr)
	mux.Handle("get", get)
	pluginsdk.Serve(mux)
}

func main() {}

func current(key string) int {
	n, _ := strconv.Atoi(string(pluginsdk.StorageGet("count/" + key)))
	return n
}

func incr(args pluginsdk.Args) (string, error) {
	key := args.Get("key", "default")
	by, err := args.Int("by", 1)
	if err != nil {
		return "", err
	}
	n := current(key) + by
	if err := pluginsdk.StoragePut("count/"+key, []byte(strconv.Itoa(n))); err != nil {
		return "", err
	}
	pluginsdk.Log(pluginsdk.LogDebug, "incremented "+key)
	return strconv.Itoa(n), nil
}

func get(args pluginsdk.Args) (string, error) {
	return strconv.Itoa(current(args.Get("key", "default"))), nil
}
