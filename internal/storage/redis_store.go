package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/csms-core/internal/config"
	sess "github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/station"
)

// RedisStore 租户隔离的实体存储
// 连接器与充电站分开持久化：释放或锁定连接器时逐个写入，
// 局部失败后站点状态仍可重查重试
type RedisStore struct {
	Client   *redis.Client // 公共字段以便测试注入mock
	tenantID string
}

// NewRedisStore 创建Redis实体存储
func NewRedisStore(cfg config.RedisConfig, tenantID string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{Client: client, tenantID: tenantID}, nil
}

// NewRedisStoreWithClient 用现成客户端创建存储，供测试使用
func NewRedisStoreWithClient(client *redis.Client, tenantID string) *RedisStore {
	return &RedisStore{Client: client, tenantID: tenantID}
}

func (r *RedisStore) key(parts ...string) string {
	key := "csms:" + r.tenantID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// GetStation 读取充电站聚合，连接器单独存储并在此重组
func (r *RedisStore) GetStation(ctx context.Context, id string) (*station.Station, error) {
	data, err := r.Client.Get(ctx, r.key("station", id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get station %s: %w", id, err)
	}

	var st station.Station
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal station %s: %w", id, err)
	}

	fields, err := r.Client.HGetAll(ctx, r.key("connectors", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get connectors of station %s: %w", id, err)
	}
	st.Connectors = make([]*station.Connector, 0, len(fields))
	for _, raw := range fields {
		var conn station.Connector
		if err := json.Unmarshal([]byte(raw), &conn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal connector of station %s: %w", id, err)
		}
		st.Connectors = append(st.Connectors, &conn)
	}
	sort.Slice(st.Connectors, func(i, j int) bool {
		return st.Connectors[i].ID < st.Connectors[j].ID
	})
	return &st, nil
}

// SaveStation 持久化充电站本体及其全部连接器
func (r *RedisStore) SaveStation(ctx context.Context, st *station.Station) error {
	// 连接器单独落盘，站点本体不内嵌连接器
	flat := *st
	flat.Connectors = nil
	data, err := json.Marshal(&flat)
	if err != nil {
		return fmt.Errorf("failed to marshal station %s: %w", st.ID, err)
	}
	if err := r.Client.Set(ctx, r.key("station", st.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save station %s: %w", st.ID, err)
	}
	for _, conn := range st.Connectors {
		if err := r.SaveConnector(ctx, st.ID, conn); err != nil {
			return err
		}
	}
	return nil
}

// SaveConnector 单独持久化一个连接器
func (r *RedisStore) SaveConnector(ctx context.Context, stationID string, conn *station.Connector) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connector %d: %w", conn.ID, err)
	}
	err = r.Client.HSet(ctx, r.key("connectors", stationID), strconv.Itoa(conn.ID), data).Err()
	if err != nil {
		return fmt.Errorf("failed to save connector %d of station %s: %w", conn.ID, stationID, err)
	}
	return nil
}

// SaveAuthorization 留存授权记录
func (r *RedisStore) SaveAuthorization(ctx context.Context, auth *sess.Authorization) error {
	data, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization: %w", err)
	}
	err = r.Client.LPush(ctx, r.key("authorizations", auth.StationID), data).Err()
	if err != nil {
		return fmt.Errorf("failed to save authorization for station %s: %w", auth.StationID, err)
	}
	return nil
}

// SaveOperationRecord 留存直通操作记录
func (r *RedisStore) SaveOperationRecord(ctx context.Context, rec *sess.OperationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal operation record: %w", err)
	}
	err = r.Client.LPush(ctx, r.key("operations", rec.StationID), data).Err()
	if err != nil {
		return fmt.Errorf("failed to save %s record for station %s: %w", rec.Kind, rec.StationID, err)
	}
	return nil
}

// NextTransactionID 分配下一个交易编号
func (r *RedisStore) NextTransactionID(ctx context.Context) (int, error) {
	id, err := r.Client.Incr(ctx, r.key("tx", "next")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	return int(id), nil
}

// SaveTransaction 持久化交易并维护连接器活跃交易索引
func (r *RedisStore) SaveTransaction(ctx context.Context, tx *sess.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction %d: %w", tx.ID, err)
	}
	if err := r.Client.Set(ctx, r.key("tx", strconv.Itoa(tx.ID)), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save transaction %d: %w", tx.ID, err)
	}

	activeKey := r.key("active-tx", tx.StationID, strconv.Itoa(tx.ConnectorID))
	if tx.IsActive() {
		if err := r.Client.Set(ctx, activeKey, tx.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index active transaction %d: %w", tx.ID, err)
		}
		return nil
	}
	if err := r.Client.Del(ctx, activeKey).Err(); err != nil {
		return fmt.Errorf("failed to clear active index of transaction %d: %w", tx.ID, err)
	}
	return nil
}

// GetTransaction 读取交易，不存在时返回(nil, nil)
func (r *RedisStore) GetTransaction(ctx context.Context, id int) (*sess.Transaction, error) {
	data, err := r.Client.Get(ctx, r.key("tx", strconv.Itoa(id))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	var tx sess.Transaction
	if err := json.Unmarshal([]byte(data), &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction %d: %w", id, err)
	}
	return &tx, nil
}

// DeleteTransaction 删除交易及其活跃索引
func (r *RedisStore) DeleteTransaction(ctx context.Context, id int) error {
	tx, err := r.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if tx == nil {
		return nil
	}
	if err := r.Client.Del(ctx, r.key("tx", strconv.Itoa(id))).Err(); err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	activeKey := r.key("active-tx", tx.StationID, strconv.Itoa(tx.ConnectorID))
	if err := r.Client.Del(ctx, activeKey).Err(); err != nil {
		return fmt.Errorf("failed to clear active index of transaction %d: %w", id, err)
	}
	return nil
}

// GetActiveTransactionByConnector 查询连接器上未停止的交易，无则返回(nil, nil)
func (r *RedisStore) GetActiveTransactionByConnector(ctx context.Context, stationID string, connectorID int) (*sess.Transaction, error) {
	val, err := r.Client.Get(ctx, r.key("active-tx", stationID, strconv.Itoa(connectorID))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active transaction on %s/%d: %w", stationID, connectorID, err)
	}
	id, err := strconv.Atoi(val)
	if err != nil {
		return nil, fmt.Errorf("corrupt active transaction index on %s/%d: %w", stationID, connectorID, err)
	}
	return r.GetTransaction(ctx, id)
}

// SaveMeterSample 留存规范化样本
func (r *RedisStore) SaveMeterSample(ctx context.Context, sample *sess.MeterSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal meter sample: %w", err)
	}
	key := r.key("samples", strconv.Itoa(sample.TransactionID))
	if err := r.Client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to save meter sample of transaction %d: %w", sample.TransactionID, err)
	}
	return nil
}

// ResolveSite 站区到站点解析，未配置映射时返回空站点
func (r *RedisStore) ResolveSite(ctx context.Context, siteAreaID string) (string, error) {
	val, err := r.Client.Get(ctx, r.key("site-area", siteAreaID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve site area %s: %w", siteAreaID, err)
	}
	return val, nil
}

// Close 关闭与存储后端的连接
func (r *RedisStore) Close() error {
	return r.Client.Close()
}
