package authkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	people "google.golang.org/api/people/v1"
)

const (
	googleProfileScope = "https://www.googleapis.com/auth/userinfo.profile"
	googleEmailScope   = "https://www.googleapis.com/auth/userinfo.email"
	peoplePersonFields = "names,emailAddresses,photos"
	peopleSelfResource = "people/me"

	operationExchangeCode = "exchange_code"
	operationRefresh      = "refresh"
	operationRevoke       = "revoke"
	operationFetchProfile = "fetch_profile"
)

var (
	errMissingClientID     = errors.New("identity_provider.config.missing_client_id")
	errMissingClientSecret = errors.New("identity_provider.config.missing_client_secret")
	errMissingRedirectURL  = errors.New("identity_provider.config.missing_redirect_url")
)

// GoogleIdentityProvider talks to Google's OAuth and People endpoints.
type GoogleIdentityProvider struct {
	configuration ProviderConfig
	oauthConfig   *oauth2.Config
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewGoogleIdentityProvider validates the configuration and builds the client.
// A nil httpClient yields a client bounded by the configured timeout.
func NewGoogleIdentityProvider(configuration ProviderConfig, httpClient *http.Client, logger *zap.Logger) (*GoogleIdentityProvider, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}
	if strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, errMissingRedirectURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	configuration = configuration.withDefaults()

	boundedClient := &http.Client{Timeout: configuration.Timeout}
	if httpClient != nil {
		clone := *httpClient
		if clone.Timeout <= 0 {
			clone.Timeout = configuration.Timeout
		}
		boundedClient = &clone
	}

	return &GoogleIdentityProvider{
		configuration: configuration,
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Scopes:       []string{googleProfileScope, googleEmailScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   configuration.AuthURL,
				TokenURL:  configuration.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: boundedClient,
		logger:     logger,
	}, nil
}

// AuthorizationURL builds the consent redirect. forceConsent re-prompts the
// user so the provider issues a fresh refresh token.
func (provider *GoogleIdentityProvider) AuthorizationURL(state string, forceConsent bool) string {
	prompt := "select_account"
	if forceConsent {
		prompt = "consent"
	}
	options := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", prompt),
	}
	if provider.configuration.HostedDomain != "" {
		options = append(options, oauth2.SetAuthURLParam("hd", provider.configuration.HostedDomain))
	}
	return provider.oauthConfig.AuthCodeURL(state, options...)
}

// ExchangeCode trades an authorization code for tokens.
func (provider *GoogleIdentityProvider) ExchangeCode(ctx context.Context, code string) (ExchangeResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ProviderError{Operation: operationExchangeCode, Kind: ProviderErrorRejected, Code: "missing_code"}
	}
	callContext, cancel := provider.callContext(ctx)
	defer cancel()

	token, exchangeErr := provider.oauthConfig.Exchange(callContext, code)
	if exchangeErr != nil {
		providerErr := classifyTokenError(operationExchangeCode, exchangeErr)
		provider.logFailure(providerErr)
		return nil, providerErr
	}
	access, accessErr := accessTokenFrom(operationExchangeCode, token)
	if accessErr != nil {
		provider.logFailure(accessErr)
		return nil, accessErr
	}
	if token.RefreshToken != "" {
		return AccessAndRefreshTokens{Access: access, Refresh: token.RefreshToken}, nil
	}
	return AccessTokenOnly{Access: access}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (provider *GoogleIdentityProvider) Refresh(ctx context.Context, refreshToken string) (AccessToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return AccessToken{}, &ProviderError{Operation: operationRefresh, Kind: ProviderErrorRejected, Code: "missing_refresh_token"}
	}
	callContext, cancel := provider.callContext(ctx)
	defer cancel()

	token, refreshErr := provider.oauthConfig.TokenSource(callContext, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if refreshErr != nil {
		providerErr := classifyTokenError(operationRefresh, refreshErr)
		provider.logFailure(providerErr)
		return AccessToken{}, providerErr
	}
	access, accessErr := accessTokenFrom(operationRefresh, token)
	if accessErr != nil {
		provider.logFailure(accessErr)
		return AccessToken{}, accessErr
	}
	return access, nil
}

// Revoke disowns an access token at the provider.
func (provider *GoogleIdentityProvider) Revoke(ctx context.Context, accessToken AccessToken) error {
	callContext, cancel := provider.callContext(ctx)
	defer cancel()

	form := url.Values{"token": {accessToken.Value}}
	request, requestErr := http.NewRequestWithContext(callContext, http.MethodPost, provider.configuration.RevokeURL, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return &ProviderError{Operation: operationRevoke, Kind: ProviderErrorMalformed, Err: requestErr}
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, sendErr := provider.httpClient.Do(request)
	if sendErr != nil {
		return &ProviderError{Operation: operationRevoke, Kind: ProviderErrorTransport, Err: sendErr}
	}
	defer func() { _ = response.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))

	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		return &ProviderError{Operation: operationRevoke, Kind: ProviderErrorTransport, Code: strconv.Itoa(response.StatusCode)}
	case response.StatusCode >= http.StatusBadRequest:
		return &ProviderError{Operation: operationRevoke, Kind: ProviderErrorRejected, Code: strconv.Itoa(response.StatusCode)}
	}
	provider.logger.Debug("provider token revoked",
		zap.String("code", "identity_provider.revoke.ok"),
		zap.String("token_fingerprint", tokenFingerprint(accessToken.Value)))
	return nil
}

// FetchProfile reads the caller's resource id, names, email, and photo.
func (provider *GoogleIdentityProvider) FetchProfile(ctx context.Context, accessToken AccessToken) (ProviderIdentity, error) {
	callContext, cancel := provider.callContext(ctx)
	defer cancel()

	authorizedClient := oauth2.NewClient(callContext, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken.Value,
		TokenType:   "Bearer",
		Expiry:      accessToken.ExpiresAt,
	}))
	service, serviceErr := people.NewService(callContext,
		option.WithHTTPClient(authorizedClient),
		option.WithEndpoint(provider.configuration.PeopleBaseURL))
	if serviceErr != nil {
		return ProviderIdentity{}, &ProviderError{Operation: operationFetchProfile, Kind: ProviderErrorMalformed, Code: "client_init", Err: serviceErr}
	}

	person, fetchErr := service.People.Get(peopleSelfResource).PersonFields(peoplePersonFields).Context(callContext).Do()
	if fetchErr != nil {
		providerErr := classifyAPIError(operationFetchProfile, fetchErr)
		provider.logFailure(providerErr)
		return ProviderIdentity{}, providerErr
	}
	identity, identityErr := identityFromPerson(person)
	if identityErr != nil {
		provider.logFailure(identityErr)
		return ProviderIdentity{}, identityErr
	}
	return identity, nil
}

func (provider *GoogleIdentityProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient), provider.configuration.Timeout)
}

func (provider *GoogleIdentityProvider) logFailure(err error) {
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		return
	}
	provider.logger.Warn("identity provider call failed",
		zap.String("code", fmt.Sprintf("identity_provider.%s.%s", providerErr.Operation, providerErr.Kind)),
		zap.String("provider_code", providerErr.Code),
		zap.Error(providerErr.Err))
}

func accessTokenFrom(operation string, token *oauth2.Token) (AccessToken, error) {
	if token == nil || token.AccessToken == "" {
		return AccessToken{}, &ProviderError{Operation: operation, Kind: ProviderErrorMalformed, Code: "access_token"}
	}
	if token.Expiry.IsZero() {
		return AccessToken{}, &ProviderError{Operation: operation, Kind: ProviderErrorMalformed, Code: "expires_in"}
	}
	return AccessToken{Value: token.AccessToken, ExpiresAt: token.Expiry.UTC()}, nil
}

func classifyTokenError(operation string, err error) *ProviderError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}
		if statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests {
			return &ProviderError{Operation: operation, Kind: ProviderErrorTransport, Code: strconv.Itoa(statusCode), Err: err}
		}
		return &ProviderError{Operation: operation, Kind: ProviderErrorRejected, Code: retrieveErr.ErrorCode, Err: err}
	}
	if isTransportError(err) {
		return &ProviderError{Operation: operation, Kind: ProviderErrorTransport, Err: err}
	}
	return &ProviderError{Operation: operation, Kind: ProviderErrorMalformed, Err: err}
}

func classifyAPIError(operation string, err error) *ProviderError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= http.StatusInternalServerError {
			return &ProviderError{Operation: operation, Kind: ProviderErrorTransport, Code: strconv.Itoa(apiErr.Code), Err: err}
		}
		return &ProviderError{Operation: operation, Kind: ProviderErrorRejected, Code: strconv.Itoa(apiErr.Code), Err: err}
	}
	if isTransportError(err) {
		return &ProviderError{Operation: operation, Kind: ProviderErrorTransport, Err: err}
	}
	return &ProviderError{Operation: operation, Kind: ProviderErrorMalformed, Err: err}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func identityFromPerson(person *people.Person) (ProviderIdentity, error) {
	if person == nil || strings.TrimSpace(person.ResourceName) == "" {
		return ProviderIdentity{}, &ProviderError{Operation: operationFetchProfile, Kind: ProviderErrorMissingField, Code: "resourceName"}
	}
	resourceID := person.ResourceName

	publicEmail := ""
	for _, address := range person.EmailAddresses {
		if address == nil || strings.TrimSpace(address.Value) == "" {
			continue
		}
		if publicEmail == "" || (address.Metadata != nil && address.Metadata.Primary) {
			publicEmail = strings.TrimSpace(address.Value)
		}
	}
	if publicEmail == "" {
		return ProviderIdentity{}, &ProviderError{Operation: operationFetchProfile, Kind: ProviderErrorMissingField, Code: "emailAddresses"}
	}

	var chosenName *people.Name
	for _, name := range person.Names {
		if name == nil {
			continue
		}
		if chosenName == nil || (name.Metadata != nil && name.Metadata.Primary) {
			chosenName = name
		}
	}
	displayName := "No name"
	fullName := "No name: " + resourceID
	if chosenName != nil {
		if chosenName.DisplayName != "" {
			fullName = chosenName.DisplayName
			displayName = chosenName.DisplayName
		}
		if chosenName.GivenName != "" {
			displayName = chosenName.GivenName
		}
	}

	photoURL := ""
	for _, photo := range person.Photos {
		if photo == nil || photo.Default || photo.Url == "" {
			continue
		}
		if photoURL == "" || (photo.Metadata != nil && photo.Metadata.Primary) {
			photoURL = photo.Url
		}
	}

	return ProviderIdentity{
		ResourceID: resourceID,
		Profile: AccountProfile{
			DisplayName: displayName,
			FullName:    fullName,
			PublicEmail: publicEmail,
			PhotoURL:    photoURL,
		},
	}, nil
}
