package credentials

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/waygate/internal/domain"
)

// credentialFile — формат файла наборов (YAML, опционально зашифрован age)
type credentialFile struct {
	Credentials []domain.CredentialSet `yaml:"credentials"`
}

// FileLoader читает файл наборов. Файл с суффиксом .age или при заданном
// identityPath расшифровывается X25519-ключом age.
func FileLoader(path, identityPath string) Loader {
	return func(context.Context) ([]domain.CredentialSet, error) {
		if path == "" {
			return nil, nil
		}
		return LoadFile(path, identityPath)
	}
}

func LoadFile(path, identityPath string) ([]domain.CredentialSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	if identityPath != "" || strings.HasSuffix(path, ".age") {
		if identityPath == "" {
			return nil, fmt.Errorf("credential file %s is encrypted but no identity file is configured", path)
		}
		data, err = decryptFile(data, identityPath)
		if err != nil {
			return nil, err
		}
	}
	return ParseFile(data)
}

func ParseFile(data []byte) ([]domain.CredentialSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f credentialFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return f.Credentials, nil
}

func decryptFile(ciphertext []byte, identityPath string) ([]byte, error) {
	idFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer idFile.Close()

	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential file: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credential file: %w", err)
	}
	return plaintext, nil
}

// Seal шифрует файл наборов для одного или нескольких получателей (age1...).
func Seal(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if _, err := ParseFile(plaintext); err != nil {
		return nil, err
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}
