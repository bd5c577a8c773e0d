// Package handlers ships the built-in node types: the manual trigger, the
// template transform, the script runner and the integration handlers backed
// by the connection brokers.
package handlers

import (
	"goa.design/flowrun/broker/httpconn"
	"goa.design/flowrun/broker/redisconn"
	"goa.design/flowrun/broker/sqlconn"
	"goa.design/flowrun/handler"
)

// Brokers holds the shared connection brokers the integration handlers use.
// Nil brokers skip the handlers that need them.
type Brokers struct {
	HTTP  *httpconn.Broker
	Redis *redisconn.Broker
	SQL   *sqlconn.Broker
}

// Register wires every available built-in into the registry. Script is
// optional; passing a nil engine skips script.run.
func Register(reg *handler.Registry, brokers Brokers, script ScriptEngine) error {
	hs := []handler.Handler{
		ManualTrigger(),
		TransformSet(),
	}
	if script != nil {
		hs = append(hs, ScriptRun(script))
	}
	if brokers.HTTP != nil {
		hs = append(hs, HTTPRequest(brokers.HTTP))
	}
	if brokers.Redis != nil {
		hs = append(hs, handler.NewMultiOperationHandler(NewRedisKV(brokers.Redis)))
	}
	if brokers.SQL != nil {
		hs = append(hs, handler.NewMultiOperationHandler(NewSQLDatabase(brokers.SQL)))
	}
	for _, h := range hs {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
