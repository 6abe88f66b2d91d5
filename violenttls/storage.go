// Copyright 2017 The NanoProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package violenttls

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultStorageRoot is where certificate material lives unless the
// configuration says otherwise.
const DefaultStorageRoot = "./Violentcert"

// Storage derives file paths under the certificate root in a consistent,
// cross-platform way and persists CA and leaf material. The CA lives as a
// triple of files directly under the root; each leaf gets one directory
// per cache key, holding its own triple:
//
//	Violentca.crt
//	Violentca.public
//	Violentca.private
//	+.example.com/
//	    Violentcert.crt
//	    Violentcert.public
//	    Violentcert.private
//
// Directory names replace the first byte of the cache key with "+",
// since "*" is not a portable file name character. For the multi-label
// keys CacheKey produces, which always lead with "*", the mapping is
// one-to-one. Single-label keys lose their first character, so two of
// them that differ only there ("localhost", "xocalhost") share a folder.
type Storage struct {
	Root string
}

func (s *Storage) caFile(ext string) string {
	return filepath.Join(s.Root, "Violentca"+ext)
}

// keyFolder returns the directory holding the triple for cacheKey.
func (s *Storage) keyFolder(cacheKey string) string {
	return filepath.Join(s.Root, "+"+cacheKey[1:])
}

func (s *Storage) certFile(cacheKey, ext string) string {
	return filepath.Join(s.keyFolder(cacheKey), "Violentcert"+ext)
}

// LoadCA reads the persisted CA triple. A missing triple is reported via
// os.IsNotExist on the returned error.
func (s *Storage) LoadCA() (*material, error) {
	return s.loadTriple(s.caFile(".crt"), s.caFile(".public"), s.caFile(".private"))
}

// StoreCA persists the CA triple, creating the root directory if needed.
func (s *Storage) StoreCA(m *material) error {
	if err := os.MkdirAll(s.Root, 0700); err != nil {
		return fmt.Errorf("creating certificate root: %v", err)
	}
	return s.storeTriple(s.caFile(".crt"), s.caFile(".public"), s.caFile(".private"), m)
}

// LoadCert reads the leaf triple for cacheKey.
func (s *Storage) LoadCert(cacheKey string) (*material, error) {
	return s.loadTriple(
		s.certFile(cacheKey, ".crt"),
		s.certFile(cacheKey, ".public"),
		s.certFile(cacheKey, ".private"),
	)
}

// StoreCert persists the leaf triple for cacheKey. All three files are
// written before the in-memory entry is promoted, so a later LoadCert
// always observes a consistent triple.
func (s *Storage) StoreCert(cacheKey string, m *material) error {
	if err := os.MkdirAll(s.keyFolder(cacheKey), 0700); err != nil {
		return fmt.Errorf("creating folder for %s: %v", cacheKey, err)
	}
	return s.storeTriple(
		s.certFile(cacheKey, ".crt"),
		s.certFile(cacheKey, ".public"),
		s.certFile(cacheKey, ".private"),
		m,
	)
}

func (s *Storage) loadTriple(certPath, publicPath, privatePath string) (*material, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	publicPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, err
	}
	privatePEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, err
	}
	m, err := loadMaterial(certPEM, publicPEM, privatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %v", certPath, err)
	}
	return m, nil
}

func (s *Storage) storeTriple(certPath, publicPath, privatePath string, m *material) error {
	if err := os.WriteFile(certPath, m.certPEM, 0644); err != nil {
		return fmt.Errorf("writing %s: %v", certPath, err)
	}
	if err := os.WriteFile(publicPath, m.publicPEM, 0644); err != nil {
		return fmt.Errorf("writing %s: %v", publicPath, err)
	}
	if err := os.WriteFile(privatePath, m.privatePEM, 0600); err != nil {
		return fmt.Errorf("writing %s: %v", privatePath, err)
	}
	return nil
}
