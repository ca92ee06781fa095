package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"card-authorizer/internal/config"
	"card-authorizer/internal/server"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	testCard     = "6549873025634501"
	testPassword = "1234"
)

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer *postgres.PostgresContainer
	serverInstance    *server.Server
	baseURL           string
	client            *http.Client
	db                *sql.DB
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("card_authorizer"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		suite.T().Fatalf("Failed to get container host: %s", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		suite.T().Fatalf("Failed to get mapped port: %s", err)
	}

	cfg := &config.Config{
		ServerPort:    "0", // Let OS choose a free port
		StorageDriver: config.StorageDriverPostgres,
		DBHost:        host,
		DBPort:        port.Port(),
		DBUser:        "postgres",
		DBPassword:    "password",
		DBName:        "card_authorizer",
		DBSSLMode:     "disable",
		LockTimeout:   2 * time.Second,
		LockExpiry:    5 * time.Second,
		BcryptCost:    4,
		RunMigrations: true,
	}

	// Migrations run inside StartServer
	serverInstance, _, err := server.StartServer(cfg)
	if err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}
	suite.serverInstance = serverInstance
	suite.baseURL = serverInstance.GetBaseURL()

	suite.db, err = sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		suite.T().Fatalf("Failed to open database: %s", err)
	}

	suite.client = &http.Client{
		Timeout: 30 * time.Second,
	}

	if err := suite.waitForServerReady(); err != nil {
		suite.T().Fatalf("Server not ready: %s", err)
	}
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.db != nil {
		suite.db.Close()
	}

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}

	if err := testcontainers.TerminateContainer(suite.postgresContainer); err != nil {
		suite.T().Logf("Failed to terminate postgres container: %s", err)
	}
}

func (suite *IntegrationTestSuite) post(path string, reqBody map[string]interface{}) (int, map[string]interface{}) {
	body, _ := json.Marshal(reqBody)

	resp, err := suite.client.Post(suite.baseURL+path, "application/json", bytes.NewReader(body))
	suite.Require().NoError(err)
	defer resp.Body.Close()

	return resp.StatusCode, suite.parseResponse(resp.Body)
}

func (suite *IntegrationTestSuite) get(path string) (int, map[string]interface{}) {
	resp, err := suite.client.Get(suite.baseURL + path)
	suite.Require().NoError(err)
	defer resp.Body.Close()

	return resp.StatusCode, suite.parseResponse(resp.Body)
}

func (suite *IntegrationTestSuite) createCard(cardNumber, owner, password string) (int, map[string]interface{}) {
	return suite.post("/cards", map[string]interface{}{
		"card_number": cardNumber,
		"owner_name":  owner,
		"password":    password,
	})
}

func (suite *IntegrationTestSuite) debit(cardNumber, password, amount string) (int, map[string]interface{}) {
	return suite.post("/transactions", map[string]interface{}{
		"card_number": cardNumber,
		"password":    password,
		"amount":      json.Number(amount),
	})
}

// fund sets a balance directly; the API has no credit operation.
func (suite *IntegrationTestSuite) fund(cardNumber, balance string) {
	_, err := suite.db.Exec("UPDATE cards SET balance = $1 WHERE card_number = $2", balance, cardNumber)
	suite.Require().NoError(err)
}

func (suite *IntegrationTestSuite) parseResponse(r io.Reader) map[string]interface{} {
	body, err := io.ReadAll(r)
	suite.Require().NoError(err)

	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		suite.T().Fatalf("Failed to parse response: %s", body)
	}
	return response
}

func (suite *IntegrationTestSuite) errorCode(response map[string]interface{}) string {
	errorData, hasError := response["error"]
	suite.Require().True(hasError, "Response should have 'error' field for error cases")
	return errorData.(map[string]interface{})["code"].(string)
}

func (suite *IntegrationTestSuite) balance(cardNumber string) string {
	status, response := suite.get("/cards/" + cardNumber)
	suite.Require().Equal(http.StatusOK, status)
	return response["data"].(map[string]interface{})["balance"].(string)
}

// Helper to compare decimal values properly
func (suite *IntegrationTestSuite) assertDecimalEqual(expected, actual string) {
	expectedDec := decimal.RequireFromString(expected)
	actualDec, err := decimal.NewFromString(actual)
	suite.Require().NoError(err)

	assert.True(suite.T(), expectedDec.Equal(actualDec),
		"Decimal values not equal: expected %s, got %s", expected, actual)
}

// ------------------------------------------------------------------
// Steps below run in the order invoked by TestFlow; later steps rely
// on the balances left by earlier ones.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	status, response := suite.get("/health")
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Equal(suite.T(), "healthy", response["data"].(map[string]interface{})["status"])
}

func (suite *IntegrationTestSuite) stepCreateCard() {
	status, response := suite.createCard(testCard, "Ann Smith", testPassword)
	suite.Require().Equal(http.StatusCreated, status)

	data := response["data"].(map[string]interface{})
	assert.Equal(suite.T(), testCard, data["card_number"])
	assert.Equal(suite.T(), "Ann Smith", data["owner_name"])
	suite.assertDecimalEqual("0", data["balance"].(string))
	assert.NotContains(suite.T(), data, "password")

	var hash string
	err := suite.db.QueryRow("SELECT credential_hash FROM cards WHERE card_number = $1", testCard).Scan(&hash)
	suite.Require().NoError(err)
	assert.NotEqual(suite.T(), testPassword, hash)
}

func (suite *IntegrationTestSuite) stepDuplicateCard() {
	status, response := suite.createCard(testCard, "Someone Else", "9999")
	assert.Equal(suite.T(), http.StatusConflict, status)
	assert.Equal(suite.T(), "duplicate_account", suite.errorCode(response))

	var count int
	err := suite.db.QueryRow("SELECT COUNT(*) FROM cards WHERE card_number = $1", testCard).Scan(&count)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 1, count)
}

func (suite *IntegrationTestSuite) stepDebitZeroBalance() {
	status, response := suite.debit(testCard, testPassword, "10.00")
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	assert.Equal(suite.T(), "insufficient_funds", suite.errorCode(response))
}

func (suite *IntegrationTestSuite) stepSuccessfulDebit() {
	suite.fund(testCard, "50.00")

	status, response := suite.debit(testCard, testPassword, "10.25")
	suite.Require().Equal(http.StatusOK, status)

	data := response["data"].(map[string]interface{})
	assert.Equal(suite.T(), "OK", data["status"])
	suite.assertDecimalEqual("39.75", data["balance"].(string))
	suite.assertDecimalEqual("39.75", suite.balance(testCard))
}

func (suite *IntegrationTestSuite) stepInvalidCredential() {
	status, response := suite.debit(testCard, "0000", "1.00")
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	assert.Equal(suite.T(), "invalid_credential", suite.errorCode(response))
	suite.assertDecimalEqual("39.75", suite.balance(testCard))
}

func (suite *IntegrationTestSuite) stepUnknownCard() {
	status, response := suite.debit("0000000000000000", testPassword, "1.00")
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	assert.Equal(suite.T(), "unknown_account", suite.errorCode(response))

	status, response = suite.get("/cards/0000000000000000")
	assert.Equal(suite.T(), http.StatusNotFound, status)
	assert.Equal(suite.T(), "account_not_found", suite.errorCode(response))
}

func (suite *IntegrationTestSuite) stepInvalidAmount() {
	for _, amount := range []string{"0", "-5.00", "1.005"} {
		status, response := suite.debit(testCard, testPassword, amount)
		assert.Equal(suite.T(), http.StatusBadRequest, status, "amount %s", amount)
		assert.Equal(suite.T(), "invalid_amount", suite.errorCode(response))
	}
}

func (suite *IntegrationTestSuite) stepConcurrentDebits() {
	const card = "5555000011112222"
	status, _ := suite.createCard(card, "Concurrent", testPassword)
	suite.Require().Equal(http.StatusCreated, status)
	suite.fund(card, "500.00")

	amounts := []string{"400.00", "200.00"}
	statuses := make([]int, len(amounts))
	codes := make([]string, len(amounts))

	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, response := suite.debit(card, testPassword, amount)
			statuses[i] = st
			if errorData, ok := response["error"].(map[string]interface{}); ok {
				codes[i] = errorData["code"].(string)
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(suite.T(), []int{http.StatusOK, http.StatusUnprocessableEntity}, statuses)
	assert.Contains(suite.T(), codes, "insufficient_funds")

	expected := "300.00"
	if statuses[0] == http.StatusOK {
		expected = "100.00"
	}
	suite.assertDecimalEqual(expected, suite.balance(card))
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepCreateCard()
	suite.stepDuplicateCard()
	suite.stepDebitZeroBalance()
	suite.stepSuccessfulDebit()
	suite.stepInvalidCredential()
	suite.stepUnknownCard()
	suite.stepInvalidAmount()
	suite.stepConcurrentDebits()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
