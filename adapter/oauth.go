package ctrader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	tokenSuffix      = "_token.json"
	earlyRefreshTime = 2 * time.Minute
)

// ErrNoToken is returned when neither storage nor configuration holds a token
var ErrNoToken = errors.New("no access token available")

// AuthClient obtains and refreshes cTrader Open API access tokens
type AuthClient struct {
	oauthConfig  *oauth2.Config
	environment  string
	tokenStorage TokenStorage
	currentToken *TokenInfo
	tokenMutex   sync.RWMutex
	logger       logrus.FieldLogger

	// seeded from configuration, used when storage has nothing yet
	seedAccessToken  string
	seedRefreshToken string
}

// NewAuthClient creates an AuthClient for the configured application
func NewAuthClient(cfg *Config, storage TokenStorage, logger logrus.FieldLogger) *AuthClient {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"trading"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   AuthURL,
			TokenURL:  TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.RedirectURL,
	}

	if cfg.IsLive() {
		logger.WithField("function", "NewAuthClient").Warn("Configured for LIVE trading environment - real money at risk!")
	}

	return &AuthClient{
		oauthConfig:      oauthConfig,
		environment:      cfg.Environment,
		tokenStorage:     storage,
		logger:           logger,
		seedAccessToken:  cfg.AccessToken,
		seedRefreshToken: cfg.RefreshToken,
	}
}

// SetTokenURL points the client at a different token endpoint
func (ac *AuthClient) SetTokenURL(tokenURL string) {
	ac.oauthConfig.Endpoint.TokenURL = tokenURL
}

// AccessToken returns a valid access token, refreshing it when it is about to expire
func (ac *AuthClient) AccessToken(ctx context.Context) (string, error) {
	token, err := ac.getValidToken(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// RefreshToken exchanges the current refresh token for a new token pair and stores it
func (ac *AuthClient) RefreshToken(ctx context.Context) error {
	log := ac.logger.WithField("function", "RefreshToken")

	token, err := ac.getToken()
	if err != nil {
		return err
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("cannot refresh token: no refresh token stored")
	}

	// Empty access token forces the token source to hit the endpoint
	src := ac.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		log.WithError(err).Error("Unable to refresh token")
		return fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshed := ac.oauth2ToTokenInfo(newToken)
	if err := ac.storeToken(refreshed); err != nil {
		log.WithError(err).Error("Unable to save refreshed token")
		return err
	}

	log.WithField("expiry", newToken.Expiry).Info("Got new token")
	return nil
}

// GenerateAuthURL creates the URL the account owner visits to grant access
func (ac *AuthClient) GenerateAuthURL(state string) string {
	return ac.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCodeForToken exchanges an authorization code for a token pair and stores it
func (ac *AuthClient) ExchangeCodeForToken(ctx context.Context, code string) error {
	log := ac.logger.WithField("function", "ExchangeCodeForToken")

	token, err := ac.oauthConfig.Exchange(ctx, code)
	if err != nil {
		log.WithError(err).Error("Token exchange failed")
		return fmt.Errorf("failed to exchange code: %w", err)
	}

	if err := ac.storeToken(ac.oauth2ToTokenInfo(token)); err != nil {
		log.WithError(err).Error("Unable to save token")
		return err
	}

	log.WithField("expiry", token.Expiry).Info("Token obtained")
	return nil
}

// Logout forgets the cached token and removes it from storage
func (ac *AuthClient) Logout() error {
	ac.tokenMutex.Lock()
	ac.currentToken = nil
	ac.tokenMutex.Unlock()

	return ac.tokenStorage.DeleteToken(ac.tokenFilename())
}

func (ac *AuthClient) getToken() (*TokenInfo, error) {
	ac.tokenMutex.RLock()
	cached := ac.currentToken
	ac.tokenMutex.RUnlock()
	if cached != nil {
		return cached, nil
	}

	stored, err := ac.tokenStorage.LoadToken(ac.tokenFilename())
	if err == nil {
		ac.tokenMutex.Lock()
		ac.currentToken = stored
		ac.tokenMutex.Unlock()
		return stored, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if ac.seedAccessToken == "" && ac.seedRefreshToken == "" {
		return nil, ErrNoToken
	}

	// Configured tokens carry no expiry; treat them as valid until the server says otherwise
	seeded := &TokenInfo{
		AccessToken:  ac.seedAccessToken,
		RefreshToken: ac.seedRefreshToken,
		Environment:  ac.environment,
	}
	ac.tokenMutex.Lock()
	ac.currentToken = seeded
	ac.tokenMutex.Unlock()
	return seeded, nil
}

func (ac *AuthClient) getValidToken(ctx context.Context) (*TokenInfo, error) {
	token, err := ac.getToken()
	if err != nil {
		return nil, err
	}

	if token.AccessToken != "" && (token.Expiry.IsZero() || time.Now().Add(earlyRefreshTime).Before(token.Expiry)) {
		return token, nil
	}

	ac.logger.WithFields(logrus.Fields{
		"function": "getValidToken",
		"expiry":   token.Expiry,
	}).Info("Token expired or missing, refreshing")

	if err := ac.RefreshToken(ctx); err != nil {
		return nil, err
	}
	return ac.getToken()
}

func (ac *AuthClient) storeToken(token *TokenInfo) error {
	ac.tokenMutex.Lock()
	ac.currentToken = token
	ac.tokenMutex.Unlock()

	return ac.tokenStorage.SaveToken(ac.tokenFilename(), token)
}

// Environment is part of the filename so demo and live tokens never mix
func (ac *AuthClient) tokenFilename() string {
	return fmt.Sprintf("ctrader_%s%s", ac.environment, tokenSuffix)
}

func (ac *AuthClient) oauth2ToTokenInfo(token *oauth2.Token) *TokenInfo {
	return &TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Environment:  ac.environment,
	}
}
