package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Driver          string        `mapstructure:"driver"`
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		Username        string        `mapstructure:"username"`
		Password        string        `mapstructure:"password"`
		Database        string        `mapstructure:"database"`
		SSLMode         string        `mapstructure:"sslmode"`
		Path            string        `mapstructure:"path"`
		MaxConnections  int           `mapstructure:"max_connections"`
		MaxIdleConns    int           `mapstructure:"max_idle_connections"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
		Retry           struct {
			MaxAttempts     int           `mapstructure:"max_attempts"`
			InitialDelay    time.Duration `mapstructure:"initial_delay"`
			MaxDelay        time.Duration `mapstructure:"max_delay"`
			BackoffMultiple float64       `mapstructure:"backoff_multiple"`
		} `mapstructure:"retry"`
	} `mapstructure:"database"`

	API struct {
		Port           int      `mapstructure:"port"`
		TLSCert        string   `mapstructure:"tls_cert"`
		TLSKey         string   `mapstructure:"tls_key"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"api"`

	Disk struct {
		StorageDir    string `mapstructure:"storage_dir"`
		MinSizeGB     int    `mapstructure:"min_size_gb"`
		MaxSizeGB     int    `mapstructure:"max_size_gb"`
		DefaultFormat string `mapstructure:"default_format"`
	} `mapstructure:"disk"`

	Hypervisor struct {
		Driver           string        `mapstructure:"driver"`
		OperationTimeout time.Duration `mapstructure:"operation_timeout"`
		Subnet           string        `mapstructure:"subnet"`
		Qemu             struct {
			ImgBinary    string        `mapstructure:"img_binary"`
			SystemBinary string        `mapstructure:"system_binary"`
			ISOPath      string        `mapstructure:"iso_path"`
			EnableKVM    bool          `mapstructure:"enable_kvm"`
			RunDir       string        `mapstructure:"run_dir"`
			StopTimeout  time.Duration `mapstructure:"stop_timeout"`
		} `mapstructure:"qemu"`
		Libvirt struct {
			Socket      string        `mapstructure:"socket"`
			Timeout     time.Duration `mapstructure:"timeout"`
			StoragePool string        `mapstructure:"storage_pool"`
			Network     string        `mapstructure:"network"`
		} `mapstructure:"libvirt"`
	} `mapstructure:"hypervisor"`

	Controller struct {
		ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	} `mapstructure:"controller"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func Load() (*Config, error) {
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.database", "vmorch")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.path", "/var/lib/vmorch/vmorch.db")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")
	viper.SetDefault("database.conn_max_idle_time", "10m")
	viper.SetDefault("database.retry.max_attempts", 30)
	viper.SetDefault("database.retry.initial_delay", "2s")
	viper.SetDefault("database.retry.max_delay", "30s")
	viper.SetDefault("database.retry.backoff_multiple", 1.5)
	viper.SetDefault("api.port", 8000)
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:5173"})
	viper.SetDefault("disk.storage_dir", "/var/lib/vmorch/disks")
	viper.SetDefault("disk.min_size_gb", 1)
	viper.SetDefault("disk.max_size_gb", 1000)
	viper.SetDefault("disk.default_format", "qcow2")
	viper.SetDefault("hypervisor.driver", "simulated")
	viper.SetDefault("hypervisor.operation_timeout", "2m")
	viper.SetDefault("hypervisor.subnet", "192.168.122.0/24")
	viper.SetDefault("hypervisor.qemu.img_binary", "qemu-img")
	viper.SetDefault("hypervisor.qemu.system_binary", "qemu-system-x86_64")
	viper.SetDefault("hypervisor.qemu.iso_path", "")
	viper.SetDefault("hypervisor.qemu.enable_kvm", true)
	viper.SetDefault("hypervisor.qemu.run_dir", "/var/lib/vmorch/run")
	viper.SetDefault("hypervisor.qemu.stop_timeout", "10s")
	viper.SetDefault("hypervisor.libvirt.socket", "/var/run/libvirt/libvirt-sock")
	viper.SetDefault("hypervisor.libvirt.timeout", "5s")
	viper.SetDefault("hypervisor.libvirt.storage_pool", "vmorch-disks")
	viper.SetDefault("hypervisor.libvirt.network", "default")
	viper.SetDefault("controller.reconcile_interval", "30s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	viper.SetEnvPrefix("VMORCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/vmorch/")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks cross-field constraints that defaults alone cannot guarantee.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q (must be postgres or sqlite)", c.Database.Driver)
	}

	switch c.Hypervisor.Driver {
	case "simulated", "qemu", "libvirt":
	default:
		return fmt.Errorf("unsupported hypervisor driver %q (must be simulated, qemu or libvirt)", c.Hypervisor.Driver)
	}

	if c.Disk.MinSizeGB <= 0 || c.Disk.MaxSizeGB < c.Disk.MinSizeGB {
		return fmt.Errorf("invalid disk size bounds: min=%d max=%d", c.Disk.MinSizeGB, c.Disk.MaxSizeGB)
	}

	if c.Controller.ReconcileInterval <= 0 {
		return fmt.Errorf("controller.reconcile_interval must be positive")
	}

	return nil
}
