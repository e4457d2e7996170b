package quic

import "github.com/sirupsen/logrus"

// logger returns the entry a CryptoStream/PathIdSet should log through.
// A nil Config.Logger falls back to the standard logger.
func (c *Config) logger() *logrus.Entry {
	if c == nil || c.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return c.Logger
}
