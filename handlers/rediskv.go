package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/flowrun/broker/redisconn"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

// RedisKV is the redis.kv multi-operation handler: key get/set/delete/
// increment over a brokered Redis client. The credential carries the
// connection settings (addr, username, password, db) so flow documents never
// embed server addresses.
type RedisKV struct {
	broker *redisconn.Broker
}

// NewRedisKV returns the redis.kv multi-operation implementation.
func NewRedisKV(broker *redisconn.Broker) *RedisKV {
	return &RedisKV{broker: broker}
}

// Type implements handler.MultiOperation.
func (r *RedisKV) Type() string { return "redis.kv" }

// Resources implements handler.MultiOperation.
func (r *RedisKV) Resources() map[string]handler.ResourceDef {
	return map[string]handler.ResourceDef{
		"key": {Name: "key", Description: "string keys in the connected database"},
	}
}

// Operations implements handler.MultiOperation.
func (r *RedisKV) Operations() map[string][]handler.OperationDef {
	keyField := handler.FieldDef{
		Name: "key", DisplayName: "Key", Type: handler.FieldString, Required: true,
		Placeholder: "orders:{{$input.id}}",
	}
	return map[string][]handler.OperationDef{
		"key": {
			{
				Name: "get", DisplayName: "Get", RequiresCredential: true,
				Fields:            []handler.FieldDef{keyField},
				OutputDescription: "value (string or null) and found (bool)",
			},
			{
				Name: "set", DisplayName: "Set", RequiresCredential: true,
				Fields: []handler.FieldDef{
					keyField,
					{Name: "value", DisplayName: "Value", Type: handler.FieldString, Required: true},
					{Name: "ttl", DisplayName: "TTL (seconds)", Type: handler.FieldInteger},
				},
				OutputDescription: "ok (bool)",
			},
			{
				Name: "delete", DisplayName: "Delete", RequiresCredential: true,
				Fields:            []handler.FieldDef{keyField},
				OutputDescription: "deleted (int)",
			},
			{
				Name: "increment", DisplayName: "Increment", RequiresCredential: true,
				Fields: []handler.FieldDef{
					keyField,
					{Name: "by", DisplayName: "By", Type: handler.FieldInteger, Default: 1},
				},
				OutputDescription: "value (int) after increment",
			},
		},
	}
}

// ExecuteOperation implements handler.MultiOperation.
func (r *RedisKV) ExecuteOperation(ctx context.Context, inv *handler.Invocation, _, operation string, cred handler.Credential, params map[string]any) (value.Value, error) {
	rendered, err := inv.Evaluator.RenderConfig(params)
	if err != nil {
		return value.Null(), err
	}
	client, err := r.client(ctx, cred)
	if err != nil {
		return value.Null(), err
	}
	key, _ := rendered["key"].(string)
	if key == "" {
		return value.Null(), faults.New(faults.KindConfig, `redis.kv: "key" is required`)
	}

	switch operation {
	case "get":
		val, err := client.Get(ctx, key).Result()
		if err == redis.Nil {
			return value.Object(map[string]value.Value{
				"value": value.Null(),
				"found": value.Bool(false),
			}), nil
		}
		if err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "redis.kv: get", err)
		}
		return value.Object(map[string]value.Value{
			"value": value.String(val),
			"found": value.Bool(true),
		}), nil

	case "set":
		val, _ := rendered["value"].(string)
		var ttl time.Duration
		if n, ok := intParam(rendered["ttl"]); ok && n > 0 {
			ttl = time.Duration(n) * time.Second
		}
		if err := client.Set(ctx, key, val, ttl).Err(); err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "redis.kv: set", err)
		}
		return value.Object(map[string]value.Value{"ok": value.Bool(true)}), nil

	case "delete":
		n, err := client.Del(ctx, key).Result()
		if err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "redis.kv: delete", err)
		}
		return value.Object(map[string]value.Value{"deleted": value.Int(n)}), nil

	case "increment":
		by := int64(1)
		if n, ok := intParam(rendered["by"]); ok {
			by = n
		}
		n, err := client.IncrBy(ctx, key, by).Result()
		if err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "redis.kv: increment", err)
		}
		return value.Object(map[string]value.Value{"value": value.Int(n)}), nil
	}
	return value.Null(), faults.Errorf(faults.KindConfig, "redis.kv: unknown operation %q", operation)
}

func (r *RedisKV) client(ctx context.Context, cred handler.Credential) (*redis.Client, error) {
	addr := cred["addr"]
	if addr == "" {
		return nil, faults.New(faults.KindCredential, `redis.kv: credential is missing "addr"`)
	}
	db := 0
	if raw := cred["db"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, faults.Errorf(faults.KindCredential, "redis.kv: credential db %q is not a number", raw)
		}
		db = n
	}
	return r.broker.Client(ctx, redisconn.Params{
		Addr:     addr,
		DB:       db,
		Username: cred["username"],
		Password: cred["password"],
	})
}

// intParam normalizes the numeric types JSON decoding and literal configs
// produce.
func intParam(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
