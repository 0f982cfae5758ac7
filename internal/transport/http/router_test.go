package httptransport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/config"
	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
	"mailarchive/backend/internal/mailparse"
	"mailarchive/backend/internal/storage/memory"
	"mailarchive/backend/internal/storage/shard"
)

// stubSession 提供固定的两封测试邮件。
type stubSession struct{}

func (stubSession) Select(string) error { return nil }

func (stubSession) Search(domain.FetchCriterion, time.Time) ([]uint32, error) {
	return []uint32{1, 2}, nil
}

func (stubSession) FetchRaw(id uint32) ([]byte, error) {
	raw := strings.Join([]string{
		fmt.Sprintf("Message-ID: <msg-%d@example.com>", id),
		"From: Alice <alice@example.com>",
		"To: Bob <bob@example.com>",
		fmt.Sprintf("Subject: message %d", id),
		"Date: Thu, 15 Jun 2023 10:00:00 +0000",
		"",
		"hello",
	}, "\r\n")
	return []byte(raw), nil
}

func (stubSession) Close() error { return nil }

type stubDialer struct{}

func (stubDialer) Dial(*domain.Account) (fetcher.Session, error) {
	return stubSession{}, nil
}

type apiFixture struct {
	router    *gin.Engine
	store     *memory.Store
	registry  *daemon.Registry
	basePath  string
	accountID string
	mailboxID string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	basePath := t.TempDir()
	allocator, err := shard.NewAllocator(store, basePath, 1000, zap.NewNop())
	require.NoError(t, err)

	parser := mailparse.NewParser(mailparse.Options{}, zap.NewNop())
	writer := archive.NewWriter(store, allocator, zap.NewNop())
	f := fetcher.New(store, stubDialer{}, parser, writer, nil, fetcher.Config{}, zap.NewNop())
	registry := daemon.NewRegistry(store, f, nil, daemon.Options{}, zap.NewNop())
	t.Cleanup(registry.StopAll)

	cfg := &config.Config{}
	cfg.CORS.AllowedOrigins = []string{"*"}

	account := &domain.Account{
		Address:  "user@example.com",
		Password: "secret",
		Host:     "imap.example.com",
		Port:     993,
		Protocol: domain.ProtocolIMAPSSL,
	}
	require.NoError(t, store.SaveAccount(account))

	mailbox := &domain.Mailbox{
		AccountID:       account.ID,
		Name:            "INBOX",
		SaveAttachments: true,
		SaveToEML:       true,
		Criterion:       domain.CriterionAll,
		CycleInterval:   60,
	}
	require.NoError(t, store.SaveMailbox(mailbox))

	router := NewRouter(RouterDependencies{
		Config:    cfg,
		Store:     store,
		Fetcher:   f,
		Writer:    writer,
		Registry:  registry,
		Allocator: allocator,
		Metrics:   nil,
		Logger:    zap.NewNop(),
	})

	return &apiFixture{
		router:    router,
		store:     store,
		registry:  registry,
		basePath:  basePath,
		accountID: account.ID,
		mailboxID: mailbox.ID,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Code int                    `json:"code"`
		Msg  string                 `json:"msg"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func TestAccountEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("创建账户成功", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/accounts", gin.H{
			"address":  "second@example.com",
			"password": "secret",
			"host":     "pop.example.com",
			"port":     995,
			"protocol": "POP3_SSL",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, "second@example.com", data["address"])
		assert.NotEmpty(t, data["id"])
		assert.NotContains(t, w.Body.String(), "secret")
	})

	t.Run("重复地址冲突", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/accounts", gin.H{
			"address":  "user@example.com",
			"password": "secret",
			"host":     "imap.example.com",
			"port":     993,
			"protocol": "IMAP_SSL",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("非法协议拒绝", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/accounts", gin.H{
			"address":  "third@example.com",
			"password": "secret",
			"host":     "mail.example.com",
			"port":     443,
			"protocol": "EXCHANGE",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("获取账户列表", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/accounts", nil)
		require.Equal(t, http.StatusOK, w.Code)

		data := decodeData(t, w)
		assert.EqualValues(t, 2, data["count"])
	})

	t.Run("更新账户", func(t *testing.T) {
		w := f.request(t, http.MethodPatch, "/api/v1/accounts/"+f.accountID, gin.H{
			"host": "imap2.example.com",
		})
		require.Equal(t, http.StatusOK, w.Code)

		account, err := f.store.GetAccount(f.accountID)
		require.NoError(t, err)
		assert.Equal(t, "imap2.example.com", account.Host)
		// 未提供的字段保持不变
		assert.Equal(t, "secret", account.Password)
	})

	t.Run("不存在的账户返回404", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/accounts/no-such-id", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("删除账户级联清理", func(t *testing.T) {
		// 先归档出磁盘文件
		w := f.request(t, http.MethodPost, "/api/v1/mailboxes/"+f.mailboxID+"/fetch", nil)
		require.Equal(t, http.StatusOK, w.Code)
		email, err := f.store.GetEmailByMessageID(f.accountID, "<msg-1@example.com>")
		require.NoError(t, err)
		require.NotNil(t, email.EMLFilepath)

		w = f.request(t, http.MethodDelete, "/api/v1/accounts/"+f.accountID, nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		_, err = f.store.GetMailbox(f.mailboxID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		// 落盘的 eml 一并清除
		_, statErr := os.Stat(*email.EMLFilepath)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestMailboxEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("创建邮箱成功", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/accounts/"+f.accountID+"/mailboxes", gin.H{
			"name":      "Archive",
			"criterion": "UNSEEN",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, "Archive", data["name"])
		assert.Equal(t, "UNSEEN", data["criterion"])
		assert.Equal(t, true, data["saveAttachments"])
	})

	t.Run("非法获取条件拒绝", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/accounts/"+f.accountID+"/mailboxes", gin.H{
			"name":      "Junk",
			"criterion": "SOMETIMES",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("更新归档策略", func(t *testing.T) {
		w := f.request(t, http.MethodPatch, "/api/v1/mailboxes/"+f.mailboxID, gin.H{
			"saveAttachments": false,
			"cycleInterval":   300,
		})
		require.Equal(t, http.StatusOK, w.Code)

		mailbox, err := f.store.GetMailbox(f.mailboxID)
		require.NoError(t, err)
		assert.False(t, mailbox.SaveAttachments)
		assert.Equal(t, 300, mailbox.CycleInterval)
		assert.Equal(t, "INBOX", mailbox.Name)
	})

	t.Run("手动获取归档邮件", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/mailboxes/"+f.mailboxID+"/fetch", nil)
		require.Equal(t, http.StatusOK, w.Code)

		data := decodeData(t, w)
		assert.EqualValues(t, 2, data["found"])
		assert.EqualValues(t, 2, data["archived"])

		// 重复获取全部判重
		w = f.request(t, http.MethodPost, "/api/v1/mailboxes/"+f.mailboxID+"/fetch", nil)
		require.Equal(t, http.StatusOK, w.Code)

		data = decodeData(t, w)
		assert.EqualValues(t, 0, data["archived"])
		assert.EqualValues(t, 2, data["duplicates"])
	})

	t.Run("非法条件参数拒绝", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/mailboxes/"+f.mailboxID+"/fetch?criterion=BOGUS", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("不存在的邮箱返回404", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/mailboxes/no-such-id/fetch", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("删除邮箱清理归档文件", func(t *testing.T) {
		email, err := f.store.GetEmailByMessageID(f.accountID, "<msg-1@example.com>")
		require.NoError(t, err)
		require.NotNil(t, email.EMLFilepath)

		w := f.request(t, http.MethodDelete, "/api/v1/mailboxes/"+f.mailboxID, nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		_, err = f.store.GetMailbox(f.mailboxID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, statErr := os.Stat(*email.EMLFilepath)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestDaemonEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("启动守护进程", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/"+f.mailboxID+"/start", nil)
		require.Equal(t, http.StatusOK, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, true, data["isRunning"])
		assert.True(t, f.registry.IsRunning(f.mailboxID))
	})

	t.Run("重复启动冲突", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/"+f.mailboxID+"/start", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("获取守护进程状态", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/daemons/"+f.mailboxID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, f.mailboxID, data["mailboxId"])
		assert.Equal(t, true, data["isRunning"])
	})

	t.Run("更新守护进程配置", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/"+f.mailboxID+"/update", gin.H{
			"cycleInterval": 120,
			"criterion":     "RECENT",
		})
		require.Equal(t, http.StatusOK, w.Code)

		record, err := f.store.GetDaemon(f.mailboxID)
		require.NoError(t, err)
		assert.Equal(t, 120, record.CycleInterval)
		assert.Equal(t, domain.CriterionRecent, record.Criterion)
	})

	t.Run("停止守护进程", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/"+f.mailboxID+"/stop", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, f.registry.IsRunning(f.mailboxID))
	})

	t.Run("重复停止冲突", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/"+f.mailboxID+"/stop", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("探测不注册守护进程", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/"+f.mailboxID+"/test", nil)
		require.Equal(t, http.StatusOK, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, true, data["healthy"])
		assert.False(t, f.registry.IsRunning(f.mailboxID))
	})

	t.Run("不存在的邮箱返回404", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/daemons/no-such-id/start", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("各组件正常返回200", func(t *testing.T) {
		f := newAPIFixture(t)

		w := f.request(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, "ok", data["status"])
	})

	t.Run("存储不一致返回503", func(t *testing.T) {
		f := newAPIFixture(t)

		// 先归档建出分片目录，再在磁盘上塞一个索引之外的目录
		w := f.request(t, http.MethodPost, "/api/v1/mailboxes/"+f.mailboxID+"/fetch", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, os.MkdirAll(filepath.Join(f.basePath, "rogue"), 0o755))

		w = f.request(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		data := decodeData(t, w)
		assert.Equal(t, "degraded", data["status"])

		components := data["components"].(map[string]interface{})
		assert.Equal(t, "ok", components["index"])
		assert.NotEqual(t, "ok", components["storage"])
	})
}
