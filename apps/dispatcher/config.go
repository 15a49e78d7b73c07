package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/lg"
)

const SERVICENAME = "vwt-dispatcher"

const (
	defaultRequestTopic  = "vwt-requests"
	defaultResponseTopic = "vwt-responses"
	defaultGroupID       = "vwt-dispatcher"
	defaultBrokers       = "localhost:9092"
)

type options struct {
	Log *lg.Config

	ConfigPath string
	Mongo      config.MongoConfig

	Brokers       []string
	RequestTopic  string
	ResponseTopic string
	GroupID       string

	Archive config.MongoConfig

	Addr           string
	PublishRetries int
	RequestTimeout time.Duration
}

func (o options) storeType() (config.StoreType, any) {
	if o.Mongo.URI != "" {
		m := o.Mongo
		return config.MongoStore, &m
	}
	return config.FileStore, &config.FileConfig{Path: o.ConfigPath}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet(SERVICENAME, flag.ContinueOnError)
	o := options{Log: lg.RegisterFlags(fs, SERVICENAME)}
	var brokers string

	fs.StringVar(&o.ConfigPath, "config", "config.yaml", "configuration file")
	fs.StringVar(&o.Mongo.URI, "mongo-uri", "", "load the configuration from MongoDB instead of a file")
	fs.StringVar(&o.Mongo.DBName, "mongo-db", "vwt", "configuration database")
	fs.StringVar(&o.Mongo.CollName, "mongo-coll", "config", "configuration collection")
	fs.StringVar(&o.Mongo.ID, "mongo-id", "default", "configuration document id")
	fs.StringVar(&o.Archive.URI, "archive-uri", "", "MongoDB that keeps every response; empty disables the archive")
	fs.StringVar(&o.Archive.DBName, "archive-db", "vwt", "archive database")
	fs.StringVar(&o.Archive.CollName, "archive-coll", "responses", "archive collection")
	fs.StringVar(&brokers, "brokers", defaultBrokers, "comma separated Kafka brokers")
	fs.StringVar(&o.RequestTopic, "request-topic", defaultRequestTopic, "topic requests are queued on")
	fs.StringVar(&o.ResponseTopic, "response-topic", defaultResponseTopic, "topic results are published on")
	fs.StringVar(&o.GroupID, "group", defaultGroupID, "consumer group")
	fs.StringVar(&o.Addr, "addr", ":8081", "HTTP listen address")
	fs.IntVar(&o.PublishRetries, "publish-retries", 5, "publish attempts after the first failure")
	fs.DurationVar(&o.RequestTimeout, "request-timeout", 10*time.Minute, "upper bound for one queued request")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			o.Brokers = append(o.Brokers, b)
		}
	}
	if len(o.Brokers) == 0 {
		return o, fmt.Errorf("no Kafka brokers given")
	}
	if o.RequestTopic == o.ResponseTopic {
		return o, fmt.Errorf("request and response topics must differ")
	}
	return o, nil
}
