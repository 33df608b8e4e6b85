// Package api 业务HTTP接口：注册/登录/资料/群管理/路由查询。
// 群成员变更不直接广播，而是包成事件帧交给调度核心定序后
// 写入群频道，在线成员按消息通道收到。
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/oh0123/prim/cluster"
	"github.com/oh0123/prim/delivery"
	"github.com/oh0123/prim/group"
	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/repo"
	"github.com/oh0123/prim/tools/errs"
	"github.com/oh0123/prim/tools/ids"
	"github.com/oh0123/prim/tools/security"
)

type Server struct {
	accounts repo.AccountRepo
	groups   *group.Service
	delivery *delivery.Service
	ring     *cluster.Ring
	jwt      security.Options

	// reshard 下发新分片表（集群模式走NATS广播，单机直接回调网关）
	reshard func(protocol.ReshardNotice) error
}

func NewServer(accounts repo.AccountRepo, groups *group.Service, dl *delivery.Service,
	ring *cluster.Ring, jwt security.Options, reshard func(protocol.ReshardNotice) error) *Server {
	return &Server{
		accounts: accounts,
		groups:   groups,
		delivery: dl,
		ring:     ring,
		jwt:      jwt,
		reshard:  reshard,
	}
}

// Register 挂路由
func (s *Server) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/register", s.HandleRegister)
	v1.POST("/login", s.HandleLogin)
	v1.GET("/route", s.HandleRoute)

	authed := v1.Group("", BearerAuth(s.jwt))
	authed.GET("/profile", s.HandleProfile)
	authed.PUT("/profile/nickname", s.HandleNickname)
	authed.POST("/groups", s.HandleCreateGroup)
	authed.POST("/groups/:id/join", s.HandleJoinGroup)
	authed.POST("/groups/:id/leave", s.HandleLeaveGroup)
	authed.GET("/groups/:id/members", s.HandleMembers)

	admin := v1.Group("/admin", BearerAuth(s.jwt))
	admin.POST("/reshard", s.HandleReshard)
}

// ===== 账号 =====

type registerReq struct {
	Nickname string `json:"nickname"`
	Password string `json:"password" binding:"required,min=6"`
}

func (s *Server) HandleRegister(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondErr(c, err)
		return
	}
	account := ids.NewAccountID()
	err = s.accounts.Create(c.Request.Context(), repo.Account{
		ID:         account,
		Nickname:   req.Nickname,
		Credential: string(hash),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

type loginReq struct {
	Account  uint64 `json:"account" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) HandleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	a, err := s.accounts.Get(c.Request.Context(), req.Account)
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(a.Credential), []byte(req.Password))
	}
	if err != nil {
		// 账号不存在和密码错误给同一个答案
		c.JSON(http.StatusUnauthorized, gin.H{})
		return
	}
	token, expireAt, err := security.Generate(s.jwt, a.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expire_at": expireAt.UnixMilli(),
	})
}

func (s *Server) HandleProfile(c *gin.Context) {
	a, err := s.accounts.Get(c.Request.Context(), Account(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":    a.ID,
		"nickname":   a.Nickname,
		"created_at": a.CreatedAt.UnixMilli(),
	})
}

type nicknameReq struct {
	Nickname string `json:"nickname" binding:"required,max=64"`
}

func (s *Server) HandleNickname(c *gin.Context) {
	var req nicknameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if err := s.accounts.UpdateNickname(c.Request.Context(), Account(c), req.Nickname); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// ===== 群 =====

func (s *Server) HandleCreateGroup(c *gin.Context) {
	actor := Account(c)
	groupID, ev, err := s.groups.Create(c.Request.Context(), actor)
	if err != nil {
		respondErr(c, err)
		return
	}
	s.submitEvent(c, ev)
	c.JSON(http.StatusOK, gin.H{"group": groupID})
}

func (s *Server) HandleJoinGroup(c *gin.Context) {
	groupID, ok := paramGroup(c)
	if !ok {
		return
	}
	actor := Account(c)
	ev, err := s.groups.Join(c.Request.Context(), groupID, actor, actor)
	if err != nil {
		respondErr(c, err)
		return
	}
	s.submitEvent(c, ev)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) HandleLeaveGroup(c *gin.Context) {
	groupID, ok := paramGroup(c)
	if !ok {
		return
	}
	actor := Account(c)
	ev, err := s.groups.Leave(c.Request.Context(), groupID, actor, actor)
	if err != nil {
		respondErr(c, err)
		return
	}
	s.submitEvent(c, ev)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) HandleMembers(c *gin.Context) {
	groupID, ok := paramGroup(c)
	if !ok {
		return
	}
	members, err := s.groups.Members(c.Request.Context(), groupID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// submitEvent 事件帧过调度核心：定序、落库、推给在线成员
func (s *Server) submitEvent(c *gin.Context, ev *protocol.Msg) {
	if _, err := s.delivery.Submit(c.Request.Context(), ev, ""); err != nil {
		// 成员集已变更成功，事件投递失败只记日志，客户端靠补拉对齐
		logger.Warnf("[api] group event submit group=%d: %v", ev.Head.Receiver, err)
	}
}

// ===== 路由/运维 =====

// HandleRoute 客户端连接前查询归属网关
func (s *Server) HandleRoute(c *gin.Context) {
	account, err := strconv.ParseUint(c.Query("account"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account"})
		return
	}
	node, ok := s.ring.Owner(account)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gateway available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node, "version": s.ring.Version()})
}

type reshardReq struct {
	Nodes []string `json:"nodes" binding:"required,min=1"`
}

// HandleReshard 下发新网关集合；版本号单调递增，旧广播自然失效
func (s *Server) HandleReshard(c *gin.Context) {
	var req reshardReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	notice := protocol.ReshardNotice{
		Version: s.ring.Version() + 1,
		Nodes:   req.Nodes,
	}
	if s.reshard != nil {
		if err := s.reshard(notice); err != nil {
			respondErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"version": notice.Version})
}

// ===== 错误映射 =====

func respondErr(c *gin.Context, err error) {
	var ce *errs.CodeError
	if errors.As(err, &ce) {
		c.JSON(httpStatus(ce.Code), gin.H{"code": ce.Code, "error": ce.Msg})
		return
	}
	logger.Errorf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func httpStatus(code int) int {
	switch code {
	case errs.RecordNotFoundCode:
		return http.StatusNotFound
	case errs.RecordExistsCode, errs.GroupFullCode:
		return http.StatusConflict
	case errs.AuthErrorCode, errs.TokenExpiredCode:
		return http.StatusUnauthorized
	case errs.ProtocolErrorCode:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func paramGroup(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || !ids.IsGroup(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad group id"})
		return 0, false
	}
	return id, true
}
