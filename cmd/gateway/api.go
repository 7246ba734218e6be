package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/subgate/subgate/internal/auth"
	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/esp"
	"github.com/subgate/subgate/internal/gateway"
	"github.com/subgate/subgate/internal/language"
	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/newsletter"
	"github.com/subgate/subgate/internal/subscriber"
	"github.com/subgate/subgate/internal/task"
)

// apiServer handles the public JSON API: it validates requests, resolves
// identities, and enqueues the actual work as tasks for the worker.
type apiServer struct {
	cfg       config.Config
	registry  *newsletter.Registry
	esp       esp.UserReader
	subs      subscriber.Store
	publisher task.Publisher
	auth      *auth.Authorizer
	logger    *logging.Logger
}

func (s *apiServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("subgate-gateway"))

	api := router.Group("/api/v1")
	{
		api.POST("/subscribe", s.handleSubscribe)
		api.POST("/unsubscribe/:token", s.handleUnsubscribe)
		api.POST("/user/:token", s.handleSetUser)
		api.GET("/user/:token", s.handleGetUser)
		api.POST("/confirm/:token", s.handleConfirm)
		api.POST("/recover", s.handleRecover)
		api.POST("/subscribe_sms", s.handleSubscribeSMS)
		api.GET("/newsletters", s.handleNewsletters)
	}
	return router
}

type subscribeBody struct {
	Email          string   `json:"email"`
	Newsletters    []string `json:"newsletters"`
	Lang           string   `json:"lang"`
	Country        string   `json:"country"`
	Format         string   `json:"format"`
	SourceURL      string   `json:"source_url"`
	OptIn          bool     `json:"optin"`
	TriggerWelcome *bool    `json:"trigger_welcome"`
	UnsubReason    string   `json:"reason"`
	APIKey         string   `json:"api_key"`
}

func ok(c *gin.Context, extra gin.H) {
	body := gin.H{"status": "ok"}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, err error) {
	c.JSON(esp.StatusOf(err), gin.H{
		"status": "error",
		"code":   esp.CodeOf(err),
		"desc":   err.Error(),
	})
}

// splitSlugs flattens ["a,b", "c"] into ["a", "b", "c"]; callers send
// both comma strings and arrays.
func splitSlugs(in []string) []string {
	var out []string
	for _, chunk := range in {
		for _, slug := range strings.Split(chunk, ",") {
			slug = strings.TrimSpace(slug)
			if slug != "" {
				out = append(out, slug)
			}
		}
	}
	return out
}

func (s *apiServer) blockedEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, blocked := range s.cfg.Gateway.BlockedDomains {
		if domain == strings.ToLower(blocked) {
			return true
		}
	}
	return false
}

// validate runs every intake check that needs no provider call: email
// shape and block list, language validity, slug existence, and the
// private-newsletter credential.
func (s *apiServer) validate(c *gin.Context, body *subscribeBody, requireEmail bool) ([]string, error) {
	if requireEmail {
		if body.Email == "" || !strings.Contains(body.Email, "@") {
			return nil, esp.ValidationError(esp.CodeInvalidEmail, "invalid email address")
		}
		if s.blockedEmail(body.Email) {
			return nil, esp.ValidationError(esp.CodeInvalidEmail, "email domain not accepted")
		}
	}
	if !language.Valid(body.Lang) {
		return nil, esp.ValidationError(esp.CodeInvalidLanguage, "invalid language tag")
	}
	if body.Lang != "" {
		supported, err := s.registry.SupportsLanguage(c.Request.Context(), body.Lang)
		if err != nil {
			return nil, esp.NetworkError(err)
		}
		if !supported {
			return nil, esp.ValidationError(esp.CodeInvalidLanguage, "language not supported by any newsletter")
		}
	}

	slugs := splitSlugs(body.Newsletters)
	if len(slugs) == 0 {
		return nil, esp.UsageError("newsletters is required")
	}
	for _, slug := range slugs {
		if _, err := s.registry.Resolve(c.Request.Context(), slug); err != nil {
			return nil, err
		}
	}
	privateSlugs, err := s.registry.PrivateSlugs(c.Request.Context())
	if err != nil {
		return nil, esp.NetworkError(err)
	}
	isPrivate := make(map[string]bool, len(privateSlugs))
	for _, slug := range privateSlugs {
		isPrivate[slug] = true
	}
	var private []string
	for _, slug := range slugs {
		if isPrivate[slug] {
			private = append(private, slug)
		}
	}

	apiKey := body.APIKey
	if apiKey == "" {
		apiKey = c.GetHeader("X-Api-Key")
	}
	grant := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	secure := c.Request.TLS != nil ||
		strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") ||
		!s.cfg.Auth.RequireSSL
	if err := s.auth.Authorize(apiKey, grant, private, secure); err != nil {
		return nil, err
	}
	return slugs, nil
}

func (s *apiServer) handleSubscribe(c *gin.Context) {
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, esp.UsageError("malformed request body"))
		return
	}
	slugs, err := s.validate(c, &body, true)
	if err != nil {
		fail(c, err)
		return
	}

	if body.Lang == "" {
		if known, err := s.registry.Languages(c.Request.Context()); err == nil {
			candidates := language.ParseAcceptLanguage(c.GetHeader("Accept-Language"), known)
			body.Lang = language.BestLanguage(candidates, known)
		}
	}

	sub, created, err := s.subs.GetOrCreate(c.Request.Context(), body.Email)
	if err != nil {
		fail(c, esp.NetworkError(err))
		return
	}

	welcome := body.TriggerWelcome == nil || *body.TriggerWelcome
	t, err := task.New(task.NameUpdateUser, task.UpdateUserPayload{
		Email:          sub.Email,
		Token:          sub.Token,
		APILang:        body.Lang,
		Format:         language.NormalizeFormat(body.Format),
		Country:        body.Country,
		SourceURL:      body.SourceURL,
		Newsletters:    slugs,
		OptIn:          body.OptIn,
		Mode:           gateway.ModeSubscribe,
		TriggerWelcome: welcome,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), t); err != nil {
		fail(c, esp.NetworkError(err))
		return
	}
	ok(c, gin.H{"token": sub.Token, "created": created})
}

func (s *apiServer) handleUnsubscribe(c *gin.Context) {
	s.handleTokenUpdate(c, gateway.ModeUnsubscribe)
}

func (s *apiServer) handleSetUser(c *gin.Context) {
	s.handleTokenUpdate(c, gateway.ModeSet)
}

func (s *apiServer) handleTokenUpdate(c *gin.Context, mode string) {
	token := c.Param("token")
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, esp.UsageError("malformed request body"))
		return
	}
	slugs, err := s.validate(c, &body, false)
	if err != nil {
		fail(c, err)
		return
	}

	sub, err := s.subs.LookupByToken(c.Request.Context(), token)
	if err != nil {
		fail(c, esp.NetworkError(err))
		return
	}
	if sub == nil {
		fail(c, esp.NotFoundError(esp.CodeUnknownToken, "no subscriber for token"))
		return
	}

	t, err := task.New(task.NameUpdateUser, task.UpdateUserPayload{
		Token:       token,
		APILang:     body.Lang,
		Format:      language.NormalizeFormat(body.Format),
		Country:     body.Country,
		Newsletters: slugs,
		OptIn:       body.OptIn,
		Mode:        mode,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), t); err != nil {
		fail(c, esp.NetworkError(err))
		return
	}

	if body.UnsubReason != "" {
		rt, err := task.New(task.NameRecordUnsubReason, task.UnsubReasonPayload{
			Token:  token,
			Reason: body.UnsubReason,
		})
		if err == nil {
			_ = s.publisher.Publish(c.Request.Context(), rt)
		}
	}
	ok(c, gin.H{"token": token})
}

// handleGetUser reads the live provider snapshot; the only synchronous
// provider call the API makes.
func (s *apiServer) handleGetUser(c *gin.Context) {
	token := c.Param("token")
	snapshot, err := s.esp.GetUserData(c.Request.Context(), token, "")
	if err != nil {
		fail(c, err)
		return
	}
	if snapshot == nil {
		fail(c, esp.NotFoundError(esp.CodeUnknownToken, "no subscriber for token"))
		return
	}
	ok(c, gin.H{
		"email":       snapshot.Email,
		"token":       snapshot.Token,
		"lang":        snapshot.Lang,
		"country":     snapshot.Country,
		"format":      snapshot.Format,
		"newsletters": snapshot.Newsletters,
		"confirmed":   snapshot.Confirmed,
		"pending":     snapshot.Pending,
		"master":      snapshot.Master,
	})
}

func (s *apiServer) handleConfirm(c *gin.Context) {
	t, err := task.New(task.NameConfirmUser, task.ConfirmUserPayload{Token: c.Param("token")})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), t); err != nil {
		fail(c, esp.NetworkError(err))
		return
	}
	ok(c, nil)
}

func (s *apiServer) handleRecover(c *gin.Context) {
	var body struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !strings.Contains(body.Email, "@") {
		fail(c, esp.ValidationError(esp.CodeInvalidEmail, "invalid email address"))
		return
	}
	t, err := task.New(task.NameSendRecovery, task.SendRecoveryPayload{Email: body.Email})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), t); err != nil {
		fail(c, esp.NetworkError(err))
		return
	}
	ok(c, nil)
}

func (s *apiServer) handleSubscribeSMS(c *gin.Context) {
	var body struct {
		MessageName string `json:"msg_name"`
		Mobile      string `json:"mobile_number"`
		OptIn       bool   `json:"optin"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Mobile == "" {
		fail(c, esp.UsageError("mobile_number is required"))
		return
	}
	if body.MessageName == "" {
		body.MessageName = "SMS_Android"
	}
	if _, found, err := s.registry.SMSMessage(c.Request.Context(), body.MessageName); err != nil {
		fail(c, esp.NetworkError(err))
		return
	} else if !found {
		fail(c, esp.ValidationError(esp.CodeValidation, "unknown SMS message name"))
		return
	}

	t, err := task.New(task.NameAddSMSUser, task.AddSMSUserPayload{
		MessageName: body.MessageName,
		Mobile:      body.Mobile,
		OptIn:       body.OptIn,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), t); err != nil {
		fail(c, esp.NetworkError(err))
		return
	}
	ok(c, nil)
}

func (s *apiServer) handleNewsletters(c *gin.Context) {
	all, err := s.registry.All(c.Request.Context())
	if err != nil {
		fail(c, esp.NetworkError(err))
		return
	}
	out := make([]gin.H, 0, len(all))
	for _, nl := range all {
		out = append(out, gin.H{
			"slug":           nl.Slug,
			"title":          nl.Title,
			"languages":      nl.Languages,
			"requires_optin": nl.RequiresDoubleOptIn,
			"private":        nl.Private,
			"active":         nl.Active,
		})
	}
	ok(c, gin.H{"newsletters": out})
}
